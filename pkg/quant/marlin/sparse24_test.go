package marlin

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/ewof/aphrodite-engine/pkg/quant"
	"github.com/ewof/aphrodite-engine/pkg/tensor"
)

// randomSparse24 builds a 2:4 sparse weight with random live lanes and
// the exact dense matrix it represents.
func randomSparse24(t *testing.T, k, n, bits, groupSize int, seed int64) (*Sparse24Weight, tensor.Mat) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	numGroups := k / groupSize
	maxc := int(quant.MaxCode(bits))
	mid := float32(int(1) << (bits - 1))

	// Lane pairs with ascending order.
	pairs := [][2]int{{0, 1}, {0, 2}, {0, 3}, {1, 2}, {1, 3}, {2, 3}}

	meta := make([]uint8, (k/4)*n)
	live := make([]uint8, (k/2)*n)
	scales := make([]float32, numGroups*n)
	for i := range scales {
		scales[i] = rng.Float32()*0.05 + 0.01
	}

	dense := tensor.NewMat(k, n)
	for q := 0; q < k/4; q++ {
		for nn := 0; nn < n; nn++ {
			pair := pairs[rng.Intn(len(pairs))]
			meta[q*n+nn] = uint8(pair[0]) | uint8(pair[1])<<2
			for s, lane := range pair {
				code := uint8(rng.Intn(maxc + 1))
				live[(q*2+s)*n+nn] = code
				kk := q*4 + lane
				dense.Data[kk*n+nn] = (float32(code) - mid) * scales[(kk/groupSize)*n+nn]
			}
		}
	}

	codes := make([]uint32, quant.PackedWords(k/2, bits)*n)
	for row := 0; row < k/2; row++ {
		for nn := 0; nn < n; nn++ {
			quant.ColSetCode(codes, n, nn, row, bits, live[row*n+nn])
		}
	}

	w := &Sparse24Weight{
		Codes:     codes,
		Meta:      meta,
		Scales:    scales,
		Bits:      bits,
		GroupSize: groupSize,
		K:         k,
		N:         n,
	}
	if err := w.Validate(); err != nil {
		t.Fatal(err)
	}
	return w, dense
}

func TestSparse24DequantReconstructsExactly(t *testing.T) {
	for _, bits := range []int{4, 8} {
		w, dense := randomSparse24(t, 32, 24, bits, 16, int64(bits))
		got, err := w.Dequant()
		if err != nil {
			t.Fatal(err)
		}
		if d := maxAbsDiff(got.Data, dense.Data); d != 0 {
			t.Fatalf("bits=%d: dequant mismatch %v", bits, d)
		}
	}
}

func TestSparse24TwoLiveLanesPerQuad(t *testing.T) {
	w, _ := randomSparse24(t, 16, 8, 4, 16, 3)
	dense, err := w.Dequant()
	if err != nil {
		t.Fatal(err)
	}
	for q := 0; q < 4; q++ {
		for n := 0; n < 8; n++ {
			zero := 0
			for lane := 0; lane < 4; lane++ {
				if dense.Data[(q*4+lane)*dense.Stride+n] == 0 {
					zero++
				}
			}
			// Live codes can decode to zero, so at least two zeros per quad.
			if zero < 2 {
				t.Fatalf("quad %d col %d: %d zero lanes, want >= 2", q, n, zero)
			}
		}
	}
}

func TestSparse24GemmMatchesDenseReference(t *testing.T) {
	const m, k, n, groupSize = 4, 64, 32, 16
	w, dense := randomSparse24(t, k, n, 4, groupSize, 4)
	a := tensor.NewMat(m, k)
	tensor.FillRand(&a, 5)

	ws := make([]float32, WorkspaceSize(m, n))
	for i := range ws {
		ws[i] = float32(math.Inf(1))
	}
	got, err := Sparse24Gemm(&a, w, ws, 4, m, n, k)
	if err != nil {
		t.Fatal(err)
	}

	want := tensor.NewMat(m, n)
	tensor.Gemm(&want, &a, &dense)
	if d := maxAbsDiff(got.Data, want.Data); d > 1e-3 {
		t.Fatalf("sparse gemm diverges from dense reference by %v", d)
	}
}

func TestSparse24RejectsBadMeta(t *testing.T) {
	w, _ := randomSparse24(t, 16, 8, 4, 16, 6)
	w.Meta[0] = 1 | 1<<2 // lanes must ascend
	if err := w.Validate(); !errors.Is(err, quant.ErrShape) {
		t.Fatalf("equal lanes must fail, got %v", err)
	}
	w.Meta[0] = 3 | 0<<2
	if err := w.Validate(); !errors.Is(err, quant.ErrShape) {
		t.Fatalf("descending lanes must fail, got %v", err)
	}
}

func TestSparse24RejectsSmallWorkspace(t *testing.T) {
	const m, k, n = 2, 16, 8
	w, _ := randomSparse24(t, k, n, 4, 16, 7)
	a := tensor.NewMat(m, k)
	ws := make([]float32, WorkspaceSize(m, n)-1)
	if _, err := Sparse24Gemm(&a, w, ws, 4, m, n, k); !errors.Is(err, quant.ErrWorkspace) {
		t.Fatalf("expected ErrWorkspace, got %v", err)
	}
}

package awq

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/ewof/aphrodite-engine/pkg/moe"
	"github.com/ewof/aphrodite-engine/pkg/quant"
	"github.com/ewof/aphrodite-engine/pkg/tensor"
)

func randomWeight(t *testing.T, groupSize, k, n int, seed int64) (*Weight, tensor.Mat) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	numGroups := k / groupSize

	codes := make([]uint8, k*n)
	for i := range codes {
		codes[i] = uint8(rng.Intn(16))
	}
	zeros := make([]uint8, numGroups*n)
	for i := range zeros {
		zeros[i] = uint8(rng.Intn(16))
	}
	scales := make([]float32, numGroups*n)
	for i := range scales {
		scales[i] = rng.Float32()*0.1 + 0.01
	}

	w, err := Encode(codes, zeros, scales, groupSize, k, n)
	if err != nil {
		t.Fatal(err)
	}

	dense := tensor.NewMat(k, n)
	for kk := 0; kk < k; kk++ {
		g := kk / groupSize
		for nn := 0; nn < n; nn++ {
			dense.Data[kk*n+nn] = (float32(codes[kk*n+nn]) - float32(zeros[g*n+nn])) * scales[g*n+nn]
		}
	}
	return w, dense
}

func maxAbsDiff(a, b []float32) float64 {
	var worst float64
	for i := range a {
		if d := math.Abs(float64(a[i] - b[i])); d > worst {
			worst = d
		}
	}
	return worst
}

func TestNibbleOrderRoundTrip(t *testing.T) {
	// One word holds lanes 0..7; physical nibbles come back in the
	// interleaved order regardless of write order.
	codes := []uint8{1, 2, 3, 4, 5, 6, 7, 8}
	var word uint32
	for lane, c := range codes {
		setCodeInWord(&word, lane, c)
	}
	// Lane j lives at physical nibble 0,2,4,6,1,3,5,7.
	if got := (word >> 0) & 0xF; got != 1 {
		t.Fatalf("lane 0 at nibble 0: got %d", got)
	}
	if got := (word >> 4) & 0xF; got != 5 {
		t.Fatalf("lane 4 at nibble 1: got %d", got)
	}
	if got := (word >> 8) & 0xF; got != 2 {
		t.Fatalf("lane 1 at nibble 2: got %d", got)
	}
	for lane, c := range codes {
		if got := codeFromWord(word, lane); got != c {
			t.Fatalf("lane %d: got %d want %d", lane, got, c)
		}
	}
}

func TestDequantizeReconstructsExactly(t *testing.T) {
	w, dense := randomWeight(t, 16, 64, 32, 1)
	got, err := w.Dequantize()
	if err != nil {
		t.Fatal(err)
	}
	if d := maxAbsDiff(got.Data, dense.Data); d != 0 {
		t.Fatalf("dequantize mismatch %v", d)
	}
}

func TestGemmMatchesDenseReference(t *testing.T) {
	w, dense := randomWeight(t, 32, 96, 48, 2)
	a := tensor.NewMat(5, 96)
	tensor.FillRand(&a, 3)

	got, err := w.Gemm(&a, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := tensor.NewMat(5, 48)
	tensor.Gemm(&want, &a, &dense)
	if d := maxAbsDiff(got.Data, want.Data); d > 1e-3 {
		t.Fatalf("gemm diverges from dense reference by %v", d)
	}
}

func TestSplitKInvariant(t *testing.T) {
	w, _ := randomWeight(t, 16, 128, 24, 4)
	a := tensor.NewMat(4, 128)
	tensor.FillRand(&a, 5)

	base, err := w.Gemm(&a, 1)
	if err != nil {
		t.Fatal(err)
	}
	for _, split := range []int{2, 4, 8} {
		got, err := w.Gemm(&a, split)
		if err != nil {
			t.Fatalf("split=%d: %v", split, err)
		}
		if d := maxAbsDiff(base.Data, got.Data); d > 1e-4 {
			t.Fatalf("split=%d changes the result by %v", split, d)
		}
	}
}

func TestSplitKMustDivideK(t *testing.T) {
	w, _ := randomWeight(t, 16, 64, 16, 6)
	a := tensor.NewMat(1, 64)
	if _, err := w.Gemm(&a, 3); !errors.Is(err, quant.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	if _, err := w.Gemm(&a, 0); !errors.Is(err, quant.ErrConfig) {
		t.Fatalf("expected ErrConfig for zero iters, got %v", err)
	}
}

func TestColumnsMustBePacked(t *testing.T) {
	_, err := Encode(make([]uint8, 8*12), make([]uint8, 12), make([]float32, 12), 8, 8, 12)
	if !errors.Is(err, quant.ErrShape) {
		t.Fatalf("n not a multiple of 8 must fail, got %v", err)
	}
}

func TestGroupGemmMatchesPerExpertGemm(t *testing.T) {
	const numTokens, k, n = 8, 32, 16
	a := tensor.NewMat(numTokens, k)
	tensor.FillRand(&a, 7)

	experts := make([]*Weight, 2)
	experts[0], _ = randomWeight(t, 8, k, n, 8)
	experts[1], _ = randomWeight(t, 8, k, n, 9)

	r := &moe.Routing{
		TopK:                1,
		BlockSize:           4,
		TopKWeights:         []float32{1, 1, 1, 1, 1, 1, 1, 1},
		SortedTokenIDs:      []int32{0, 2, 4, 6, 1, 3, 5, 7},
		ExpertIDs:           []int32{0, 1},
		NumTokensPostPadded: 8,
	}

	out, err := GroupGemm(&a, experts, r, true, 1)
	if err != nil {
		t.Fatal(err)
	}
	for token := 0; token < numTokens; token++ {
		e := token % 2
		plain, err := experts[e].Gemm(&a, 1)
		if err != nil {
			t.Fatal(err)
		}
		for j := 0; j < n; j++ {
			got := out.Data[token*out.Stride+j]
			want := plain.Data[token*plain.Stride+j]
			if math.Abs(float64(got-want)) > 1e-4 {
				t.Fatalf("token %d col %d: routed %v, plain %v", token, j, got, want)
			}
		}
	}
}

func BenchmarkGemm(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	const k, n = 512, 256
	codes := make([]uint8, k*n)
	for i := range codes {
		codes[i] = uint8(rng.Intn(16))
	}
	numGroups := k / 128
	zeros := make([]uint8, numGroups*n)
	scales := make([]float32, numGroups*n)
	for i := range scales {
		zeros[i] = 8
		scales[i] = 0.02
	}
	w, err := Encode(codes, zeros, scales, 128, k, n)
	if err != nil {
		b.Fatal(err)
	}
	a := tensor.NewMat(16, k)
	tensor.FillRand(&a, 2)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := w.Gemm(&a, 1); err != nil {
			b.Fatal(err)
		}
	}
}

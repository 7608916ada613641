package aqlm

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/ewof/aphrodite-engine/pkg/quant"
	"github.com/ewof/aphrodite-engine/pkg/tensor"
)

func randomCodebook(rng *rand.Rand, entries int) Codebook {
	cb := Codebook{Entries: entries, Vectors: make([]float32, entries*VectorDim)}
	for i := range cb.Vectors {
		cb.Vectors[i] = (rng.Float32() - 0.5) * 0.2
	}
	return cb
}

// randomWeight builds a weight with the given partition layout and the
// exact dense matrix it decodes to.
func randomWeight(t *testing.T, k int, partitionSizes []int, numCodebooks, entries int, seed int64) (*Weight, tensor.Mat) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))

	n := 0
	for _, p := range partitionSizes {
		n += p
	}
	numGroups := k / VectorDim

	books := make([]Codebook, len(partitionSizes)*numCodebooks)
	for i := range books {
		books[i] = randomCodebook(rng, entries)
	}
	codes := make([]uint16, n*numGroups*numCodebooks)
	for i := range codes {
		codes[i] = uint16(rng.Intn(entries))
	}
	scales := make([]float32, n)
	for i := range scales {
		scales[i] = rng.Float32() + 0.5
	}

	w := &Weight{
		Codes:          codes,
		Codebooks:      books,
		Scales:         scales,
		PartitionSizes: partitionSizes,
		NumCodebooks:   numCodebooks,
		K:              k,
		N:              n,
	}
	if err := w.Validate(); err != nil {
		t.Fatal(err)
	}

	dense := tensor.NewMat(k, n)
	for nn := 0; nn < n; nn++ {
		books := w.partitionBooks(nn)
		base := nn * numGroups * numCodebooks
		for g := 0; g < numGroups; g++ {
			for i := 0; i < VectorDim; i++ {
				var sum float32
				for c := 0; c < numCodebooks; c++ {
					sum += books[c].Vectors[int(codes[base+g*numCodebooks+c])*VectorDim+i]
				}
				dense.Data[(g*VectorDim+i)*n+nn] = sum * scales[nn]
			}
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

func TestDequantReconstructsExactly(t *testing.T) {
	w, dense := randomWeight(t, 32, []int{12, 20}, 2, 64, 1)
	got, err := w.Dequant()
	if err != nil {
		t.Fatal(err)
	}
	if d := maxAbsDiff(got.Data, dense.Data); d != 0 {
		t.Fatalf("dequant mismatch %v", d)
	}
}

func TestGemmMatchesDenseReference(t *testing.T) {
	w, dense := randomWeight(t, 64, []int{24}, 1, 256, 2)
	a := tensor.NewMat(5, 64)
	tensor.FillRand(&a, 3)

	got, err := w.Gemm(&a, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := tensor.NewMat(5, 24)
	tensor.Gemm(&want, &a, &dense)
	if d := maxAbsDiff(got.Data, want.Data); d > 1e-4 {
		t.Fatalf("gemm diverges from dense reference by %v", d)
	}
}

func TestGemmAddsBias(t *testing.T) {
	w, _ := randomWeight(t, 16, []int{8}, 2, 16, 4)
	a := tensor.NewMat(3, 16)
	tensor.FillRand(&a, 5)

	bias := make([]float32, 8)
	for i := range bias {
		bias[i] = float32(i) * 0.25
	}

	plain, err := w.Gemm(&a, nil)
	if err != nil {
		t.Fatal(err)
	}
	biased, err := w.Gemm(&a, bias)
	if err != nil {
		t.Fatal(err)
	}
	for m := 0; m < 3; m++ {
		for n := 0; n < 8; n++ {
			got := biased.Data[m*biased.Stride+n]
			want := plain.Data[m*plain.Stride+n] + bias[n]
			if math.Abs(float64(got-want)) > 1e-6 {
				t.Fatalf("(%d,%d): got %v want %v", m, n, got, want)
			}
		}
	}
}

func TestPartitionsUseTheirOwnCodebooks(t *testing.T) {
	// Two partitions with distinct constant codebooks: every value in a
	// column must come from the partition that owns it.
	const k = 8
	mk := func(val float32) Codebook {
		cb := Codebook{Entries: 2, Vectors: make([]float32, 2*VectorDim)}
		for i := range cb.Vectors {
			cb.Vectors[i] = val
		}
		return cb
	}
	w := &Weight{
		Codes:          make([]uint16, 4*1*1),
		Codebooks:      []Codebook{mk(1), mk(2)},
		Scales:         []float32{1, 1, 1, 1},
		PartitionSizes: []int{2, 2},
		NumCodebooks:   1,
		K:              k,
		N:              4,
	}
	dense, err := w.Dequant()
	if err != nil {
		t.Fatal(err)
	}
	for kk := 0; kk < k; kk++ {
		for n := 0; n < 4; n++ {
			want := float32(1)
			if n >= 2 {
				want = 2
			}
			if got := dense.Data[kk*dense.Stride+n]; got != want {
				t.Fatalf("(%d,%d): got %v want %v", kk, n, got, want)
			}
		}
	}
}

func TestValidateRejectsBadShapes(t *testing.T) {
	w, _ := randomWeight(t, 16, []int{8}, 1, 16, 6)

	bad := *w
	bad.K = 12
	if err := bad.Validate(); !errors.Is(err, quant.ErrShape) {
		t.Fatalf("k not a multiple of 8 must fail, got %v", err)
	}

	bad = *w
	bad.PartitionSizes = []int{4}
	if err := bad.Validate(); !errors.Is(err, quant.ErrShape) {
		t.Fatalf("partition sum mismatch must fail, got %v", err)
	}

	bad = *w
	bad.Codes = append([]uint16(nil), w.Codes...)
	bad.Codes[0] = uint16(w.Codebooks[0].Entries)
	if err := bad.Validate(); !errors.Is(err, quant.ErrShape) {
		t.Fatalf("out-of-range code must fail, got %v", err)
	}

	bad = *w
	bad.Scales = w.Scales[:4]
	if err := bad.Validate(); !errors.Is(err, quant.ErrShape) {
		t.Fatalf("short scales must fail, got %v", err)
	}
}

func TestGemmRejectsBadBias(t *testing.T) {
	w, _ := randomWeight(t, 16, []int{8}, 1, 16, 7)
	a := tensor.NewMat(1, 16)
	if _, err := w.Gemm(&a, make([]float32, 3)); !errors.Is(err, quant.ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}

func BenchmarkGemm(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	const k, n = 512, 256
	const entries = 256
	books := []Codebook{randomCodebook(rng, entries), randomCodebook(rng, entries)}
	numGroups := k / VectorDim
	codes := make([]uint16, n*numGroups*2)
	for i := range codes {
		codes[i] = uint16(rng.Intn(entries))
	}
	scales := make([]float32, n)
	for i := range scales {
		scales[i] = 1
	}
	w := &Weight{
		Codes: codes, Codebooks: books, Scales: scales,
		PartitionSizes: []int{n}, NumCodebooks: 2, K: k, N: n,
	}
	a := tensor.NewMat(16, k)
	tensor.FillRand(&a, 2)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := w.Gemm(&a, nil); err != nil {
			b.Fatal(err)
		}
	}
}

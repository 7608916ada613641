package squeezellm

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/ewof/aphrodite-engine/pkg/quant"
	"github.com/ewof/aphrodite-engine/pkg/tensor"
)

func randomWeight(t *testing.T, k, n int, seed int64) (*Weight, tensor.Mat) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))

	codes := make([]uint8, k*n)
	for i := range codes {
		codes[i] = uint8(rng.Intn(LUTSize))
	}
	lut := make([]float32, n*LUTSize)
	for i := range lut {
		lut[i] = (rng.Float32() - 0.5) * 0.5
	}
	w, err := Encode(codes, lut, k, n)
	if err != nil {
		t.Fatal(err)
	}

	dense := tensor.NewMat(k, n)
	for kk := 0; kk < k; kk++ {
		for nn := 0; nn < n; nn++ {
			dense.Data[kk*n+nn] = lut[nn*LUTSize+int(codes[kk*n+nn])]
		}
	}
	return w, dense
}

func TestDequantReconstructsExactly(t *testing.T) {
	w, dense := randomWeight(t, 48, 20, 1)
	got, err := w.Dequant()
	if err != nil {
		t.Fatal(err)
	}
	for i := range dense.Data {
		if got.Data[i] != dense.Data[i] {
			t.Fatalf("element %d: got %v want %v", i, got.Data[i], dense.Data[i])
		}
	}
}

func TestGemvMatchesDenseReference(t *testing.T) {
	const k, n = 64, 24
	w, dense := randomWeight(t, k, n, 2)

	vec := make([]float32, k)
	rng := rand.New(rand.NewSource(3))
	for i := range vec {
		vec[i] = rng.Float32() - 0.5
	}

	mul := make([]float32, n)
	if err := w.Gemv(vec, mul); err != nil {
		t.Fatal(err)
	}

	want := make([]float32, n)
	for nn := 0; nn < n; nn++ {
		var sum float32
		for kk := 0; kk < k; kk++ {
			sum += vec[kk] * dense.Data[kk*dense.Stride+nn]
		}
		want[nn] = sum
	}
	for nn := 0; nn < n; nn++ {
		if d := math.Abs(float64(mul[nn] - want[nn])); d > 1e-4 {
			t.Fatalf("col %d: got %v want %v", nn, mul[nn], want[nn])
		}
	}
}

func TestGemvAccumulates(t *testing.T) {
	const k, n = 16, 8
	w, _ := randomWeight(t, k, n, 4)
	vec := make([]float32, k)
	for i := range vec {
		vec[i] = 1
	}

	once := make([]float32, n)
	if err := w.Gemv(vec, once); err != nil {
		t.Fatal(err)
	}
	twice := make([]float32, n)
	if err := w.Gemv(vec, twice); err != nil {
		t.Fatal(err)
	}
	if err := w.Gemv(vec, twice); err != nil {
		t.Fatal(err)
	}
	for i := range once {
		if d := math.Abs(float64(twice[i] - 2*once[i])); d > 1e-5 {
			t.Fatalf("col %d: accumulation broken, %v vs 2*%v", i, twice[i], once[i])
		}
	}
}

func TestEncodeRejectsOutOfRangeCode(t *testing.T) {
	codes := make([]uint8, 4*4)
	codes[3] = 16
	_, err := Encode(codes, make([]float32, 4*LUTSize), 4, 4)
	if !errors.Is(err, quant.ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}

func TestGemvRejectsShapeMismatch(t *testing.T) {
	w, _ := randomWeight(t, 16, 8, 5)
	if err := w.Gemv(make([]float32, 12), make([]float32, 8)); !errors.Is(err, quant.ErrShape) {
		t.Fatalf("short vec must fail, got %v", err)
	}
	if err := w.Gemv(make([]float32, 16), make([]float32, 4)); !errors.Is(err, quant.ErrShape) {
		t.Fatalf("short mul must fail, got %v", err)
	}
}

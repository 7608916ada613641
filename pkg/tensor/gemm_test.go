package tensor

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func toDense(m *Mat) *mat.Dense {
	d := mat.NewDense(m.R, m.C, nil)
	for i := 0; i < m.R; i++ {
		for j := 0; j < m.C; j++ {
			d.Set(i, j, float64(m.Data[i*m.Stride+j]))
		}
	}
	return d
}

func TestGemmMatchesGonum(t *testing.T) {
	for _, dims := range [][3]int{{1, 1, 1}, {4, 4, 4}, {7, 33, 19}, {65, 128, 96}} {
		m, k, n := dims[0], dims[1], dims[2]
		A := NewMat(m, k)
		B := NewMat(k, n)
		C := NewMat(m, n)
		FillRand(&A, int64(m))
		FillRand(&B, int64(n))

		Gemm(&C, &A, &B)

		var want mat.Dense
		want.Mul(toDense(&A), toDense(&B))
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				got := float64(C.Data[i*C.Stride+j])
				if diff := math.Abs(got - want.At(i, j)); diff > 1e-3 {
					t.Fatalf("dims %v: C[%d,%d] = %v, want %v", dims, i, j, got, want.At(i, j))
				}
			}
		}
	}
}

func TestGemmOverwritesOutput(t *testing.T) {
	A := NewMat(3, 3)
	B := NewMat(3, 3)
	C := NewMat(3, 3)
	for i := range C.Data {
		C.Data[i] = float32(math.NaN())
	}
	Gemm(&C, &A, &B)
	for i, v := range C.Data {
		if v != 0 {
			t.Fatalf("stale output at %d: %v", i, v)
		}
	}
}

func TestMatVecMatchesGemm(t *testing.T) {
	W := NewMat(9, 17)
	FillRand(&W, 3)
	x := make([]float32, 17)
	for i := range x {
		x[i] = float32(i%5) - 2
	}
	dst := make([]float32, 9)
	MatVec(dst, &W, x)

	for i := 0; i < W.R; i++ {
		var want float32
		for j := 0; j < W.C; j++ {
			want += W.Data[i*W.Stride+j] * x[j]
		}
		if diff := math.Abs(float64(dst[i] - want)); diff > 1e-4 {
			t.Fatalf("row %d: got %v want %v", i, dst[i], want)
		}
	}
}

func BenchmarkGemm256(b *testing.B) {
	A := NewMat(256, 256)
	B := NewMat(256, 256)
	C := NewMat(256, 256)
	FillRand(&A, 1)
	FillRand(&B, 2)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Gemm(&C, &A, &B)
	}
}

package tensor

import (
	"github.com/ewof/aphrodite-engine/internal/cpufeat"
	"github.com/ewof/aphrodite-engine/internal/parallel"
)

// Tile sizes for the blocked kernel. Wider K tiles pay off once the
// reduction dimension no longer fits L1.
const (
	tileM = 32
	tileN = 64
	tileK = 16

	tileKWide = 32
)

// Gemm computes C = A × B for dense F32 matrices, parallelising across
// ranges of output rows. C is fully overwritten.
func Gemm(C, A, B *Mat) {
	if A.C != B.R || C.R != A.R || C.C != B.C {
		panic("tensor: gemm dimension mismatch")
	}
	if C.R == 0 || C.C == 0 {
		return
	}
	tk := tileK
	if cpufeat.Get().HasAVX2 && A.C >= 192 {
		tk = tileKWide
	}
	parallel.RowRange(C.R, func(rs, re int) {
		gemmRangeRows(C, A, B, rs, re, tk)
	})
}

// gemmRangeRows performs a blocked GEMM on rows [rs, re) of C.
func gemmRangeRows(C, A, B *Mat, rs, re, tk int) {
	n := C.C
	k := A.C
	cData := C.Data
	cStride := C.Stride

	for i := rs; i < re; i++ {
		base := i * cStride
		clear(cData[base : base+n])
	}

	for i0 := rs; i0 < re; i0 += tileM {
		iMax := min(i0+tileM, re)
		for k0 := 0; k0 < k; k0 += tk {
			kMax := min(k0+tk, k)
			for j0 := 0; j0 < n; j0 += tileN {
				jMax := min(j0+tileN, n)
				blockUpdate(cData, A.Data, B.Data, cStride, A.Stride, B.Stride, i0, iMax, j0, jMax, k0, kMax)
			}
		}
	}
}

func blockUpdate(cData, aData, bData []float32, cStride, aStride, bStride int, i0, iMax, j0, jMax, k0, kMax int) {
	width := jMax - j0
	for i := i0; i < iMax; i++ {
		aRow := aData[i*aStride:]
		cOff := i*cStride + j0
		cRow := cData[cOff : cOff+width]

		for kk := k0; kk < kMax; kk++ {
			aik := aRow[kk]
			if aik == 0 {
				continue
			}
			bOff := kk*bStride + j0
			bRow := bData[bOff : bOff+width]

			j := 0
			for ; j+7 < width; j += 8 {
				cRow[j+0] += aik * bRow[j+0]
				cRow[j+1] += aik * bRow[j+1]
				cRow[j+2] += aik * bRow[j+2]
				cRow[j+3] += aik * bRow[j+3]
				cRow[j+4] += aik * bRow[j+4]
				cRow[j+5] += aik * bRow[j+5]
				cRow[j+6] += aik * bRow[j+6]
				cRow[j+7] += aik * bRow[j+7]
			}
			for ; j < width; j++ {
				cRow[j] += aik * bRow[j]
			}
		}
	}
}

// MatVec computes dst = w × x for a dense F32 matrix.
func MatVec(dst []float32, w *Mat, x []float32) {
	if len(dst) < w.R || len(x) < w.C {
		panic("tensor: matvec shape mismatch")
	}
	parallel.RowRange(w.R, func(rs, re int) {
		for i := rs; i < re; i++ {
			row := w.Data[i*w.Stride : i*w.Stride+w.C]
			var sum float32
			j := 0
			for ; j+3 < w.C; j += 4 {
				sum += row[j]*x[j] + row[j+1]*x[j+1] + row[j+2]*x[j+2] + row[j+3]*x[j+3]
			}
			for ; j < w.C; j++ {
				sum += row[j] * x[j]
			}
			dst[i] = sum
		}
	})
}

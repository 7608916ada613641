// Package squeezellm implements the lookup-table matrix-vector kernel:
// 4-bit codes index a per-output-channel table of 16 reconstruction
// values, so dequantization is a table read instead of an affine map.
package squeezellm

import (
	"fmt"

	"github.com/ewof/aphrodite-engine/internal/parallel"
	"github.com/ewof/aphrodite-engine/pkg/quant"
	"github.com/ewof/aphrodite-engine/pkg/tensor"
)

const (
	bits = 4
	// LUTSize is the number of reconstruction values per output channel.
	LUTSize = 1 << bits
)

// Weight is a 4-bit [K, N] matrix with a per-column lookup table.
// Mat is column-strided packed codes (word w of column n at Mat[w*N+n]);
// LookupTable is [N, 16] row-major.
type Weight struct {
	Mat         []uint32
	LookupTable []float32
	K, N        int
}

// Validate checks the packed geometry.
func (w *Weight) Validate() error {
	if w.K <= 0 || w.N <= 0 {
		return fmt.Errorf("%w: k=%d n=%d", quant.ErrShape, w.K, w.N)
	}
	if want := quant.PackedWords(w.K, bits) * w.N; len(w.Mat) != want {
		return fmt.Errorf("%w: mat has %d words, want %d", quant.ErrShape, len(w.Mat), want)
	}
	if want := w.N * LUTSize; len(w.LookupTable) != want {
		return fmt.Errorf("%w: lookup table has %d values, want %d", quant.ErrShape, len(w.LookupTable), want)
	}
	return nil
}

// Encode packs natural-order codes with the given per-column tables.
func Encode(codes []uint8, lut []float32, k, n int) (*Weight, error) {
	if len(codes) != k*n {
		return nil, fmt.Errorf("%w: %d codes for k=%d n=%d", quant.ErrShape, len(codes), k, n)
	}
	words := make([]uint32, quant.PackedWords(k, bits)*n)
	for kk := 0; kk < k; kk++ {
		for nn := 0; nn < n; nn++ {
			c := codes[kk*n+nn]
			if c >= LUTSize {
				return nil, fmt.Errorf("%w: code %d exceeds 4-bit range", quant.ErrShape, c)
			}
			quant.ColSetCode(words, n, nn, kk, bits, c)
		}
	}
	w := &Weight{Mat: words, LookupTable: append([]float32(nil), lut...), K: k, N: n}
	return w, w.Validate()
}

// Dequant reconstructs the dense [K, N] weight through the tables.
func (w *Weight) Dequant() (tensor.Mat, error) {
	if err := w.Validate(); err != nil {
		return tensor.Mat{}, err
	}
	out := tensor.NewMat(w.K, w.N)
	parallel.RowRange(w.K, func(rs, re int) {
		for k := rs; k < re; k++ {
			dst := out.Data[k*out.Stride : (k+1)*out.Stride]
			for n := 0; n < w.N; n++ {
				code := quant.ColCodeAt(w.Mat, w.N, n, k, bits)
				dst[n] = w.LookupTable[n*LUTSize+int(code)]
			}
		}
	})
	return out, nil
}

// Gemv accumulates vec × dequant(w) into mul: mul[n] += Σ_k vec[k]*w[k,n].
// mul is an accumulator and is not cleared; callers zero it when they
// want a plain product.
func (w *Weight) Gemv(vec, mul []float32) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if len(vec) != w.K {
		return fmt.Errorf("%w: vec has %d values, weight k=%d", quant.ErrShape, len(vec), w.K)
	}
	if len(mul) != w.N {
		return fmt.Errorf("%w: mul has %d values, weight n=%d", quant.ErrShape, len(mul), w.N)
	}
	parallel.RowRange(w.N, func(cs, ce int) {
		for n := cs; n < ce; n++ {
			lut := w.LookupTable[n*LUTSize : (n+1)*LUTSize]
			var sum float32
			for k := 0; k < w.K; k++ {
				x := vec[k]
				if x == 0 {
					continue
				}
				sum += x * lut[quant.ColCodeAt(w.Mat, w.N, n, k, bits)]
			}
			mul[n] += sum
		}
	})
	return nil
}

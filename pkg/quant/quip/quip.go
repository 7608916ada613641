// Package quip implements the shared-codebook kernels used by QuIP#
// style compression: every weight group of 8 input channels is one code
// into a single codebook of 8-wide vectors, applied in original channel
// order.
package quip

import (
	"fmt"

	"github.com/ewof/aphrodite-engine/internal/parallel"
	"github.com/ewof/aphrodite-engine/pkg/quant"
	"github.com/ewof/aphrodite-engine/pkg/tensor"
)

// VectorDim is the width of every codebook vector.
const VectorDim = 8

// Codebook is the shared lookup table: Entries vectors of VectorDim
// values, flattened row-major.
type Codebook struct {
	Entries int
	Vectors []float32
}

func (c *Codebook) validate() error {
	if c.Entries <= 0 {
		return fmt.Errorf("%w: codebook with %d entries", quant.ErrShape, c.Entries)
	}
	if want := c.Entries * VectorDim; len(c.Vectors) != want {
		return fmt.Errorf("%w: codebook has %d values, want %d", quant.ErrShape, len(c.Vectors), want)
	}
	return nil
}

// Weight is a compressed [K, N] matrix: Codes is [N, K/8] row-major, one
// code per 8-wide group of output column n.
type Weight struct {
	Codes    []uint16
	Codebook *Codebook
	K, N     int
}

// Validate checks geometry and code range.
func (w *Weight) Validate() error {
	if w.Codebook == nil {
		return fmt.Errorf("%w: nil codebook", quant.ErrShape)
	}
	if err := w.Codebook.validate(); err != nil {
		return err
	}
	if w.K <= 0 || w.K%VectorDim != 0 {
		return fmt.Errorf("%w: k=%d must be a positive multiple of %d", quant.ErrShape, w.K, VectorDim)
	}
	if w.N <= 0 {
		return fmt.Errorf("%w: n=%d", quant.ErrShape, w.N)
	}
	if want := w.N * (w.K / VectorDim); len(w.Codes) != want {
		return fmt.Errorf("%w: %d codes, want %d", quant.ErrShape, len(w.Codes), want)
	}
	for i, c := range w.Codes {
		if int(c) >= w.Codebook.Entries {
			return fmt.Errorf("%w: code %d at %d exceeds codebook with %d entries",
				quant.ErrShape, c, i, w.Codebook.Entries)
		}
	}
	return nil
}

// Decompress reconstructs the dense [K, N] weight in original channel
// order.
func (w *Weight) Decompress() (tensor.Mat, error) {
	if err := w.Validate(); err != nil {
		return tensor.Mat{}, err
	}
	numGroups := w.K / VectorDim
	out := tensor.NewMat(w.K, w.N)
	parallel.RowRange(w.N, func(cs, ce int) {
		for n := cs; n < ce; n++ {
			for g := 0; g < numGroups; g++ {
				off := int(w.Codes[n*numGroups+g]) * VectorDim
				v := w.Codebook.Vectors[off : off+VectorDim]
				for i := 0; i < VectorDim; i++ {
					out.Data[(g*VectorDim+i)*out.Stride+n] = v[i]
				}
			}
		}
	})
	return out, nil
}

// Gemm computes out = a × decompress(w), fusing the codebook lookup with
// the accumulation so the dense weight is never materialized.
func (w *Weight) Gemm(a *tensor.Mat) (tensor.Mat, error) {
	if err := w.Validate(); err != nil {
		return tensor.Mat{}, err
	}
	if a.C != w.K {
		return tensor.Mat{}, fmt.Errorf("%w: input is %dx%d, weight k=%d", quant.ErrShape, a.R, a.C, w.K)
	}

	numGroups := w.K / VectorDim
	act := a.Dense()
	out := tensor.NewMat(a.R, w.N)
	parallel.RowRange(a.R, func(rs, re int) {
		for m := rs; m < re; m++ {
			aRow := act.Data[m*act.Stride : m*act.Stride+w.K]
			cRow := out.Data[m*out.Stride : m*out.Stride+w.N]
			for n := 0; n < w.N; n++ {
				var sum float32
				for g := 0; g < numGroups; g++ {
					off := int(w.Codes[n*numGroups+g]) * VectorDim
					v := w.Codebook.Vectors[off : off+VectorDim]
					x := aRow[g*VectorDim:]
					sum += x[0]*v[0] + x[1]*v[1] + x[2]*v[2] + x[3]*v[3] +
						x[4]*v[4] + x[5]*v[5] + x[6]*v[6] + x[7]*v[7]
				}
				cRow[n] = sum
			}
		}
	})
	return out, nil
}

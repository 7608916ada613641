// Package aqlm implements additive vector-quantized weight kernels: each
// code indexes an 8-wide vector in a learned codebook, several codebooks
// add up per weight group, and codebook sets partition the output
// channels so fused projections can carry their own codebooks.
package aqlm

import (
	"fmt"

	"github.com/ewof/aphrodite-engine/internal/parallel"
	"github.com/ewof/aphrodite-engine/pkg/quant"
	"github.com/ewof/aphrodite-engine/pkg/tensor"
)

// VectorDim is the width of every codebook vector.
const VectorDim = 8

// Codebook holds Entries vectors of VectorDim values, flattened row-major.
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

// vec returns the entry's 8-wide vector.
func (c *Codebook) vec(code uint16) []float32 {
	off := int(code) * VectorDim
	return c.Vectors[off : off+VectorDim]
}

// Weight is an AQLM-compressed [K, N] matrix.
//
// Codes is [N, K/8, NumCodebooks] row-major: output column n reconstructs
// its K inputs in groups of 8, each group the sum of NumCodebooks
// codebook vectors. Codebooks holds the per-partition codebook sets
// back to back, NumCodebooks per partition. Scales carries one
// multiplier per output column.
type Weight struct {
	Codes          []uint16
	Codebooks      []Codebook
	Scales         []float32
	PartitionSizes []int
	NumCodebooks   int
	K, N           int
}

// Validate checks geometry and that every code addresses a real entry of
// its partition's codebooks.
func (w *Weight) Validate() error {
	if w.K <= 0 || w.K%VectorDim != 0 {
		return fmt.Errorf("%w: k=%d must be a positive multiple of %d", quant.ErrShape, w.K, VectorDim)
	}
	if w.N <= 0 {
		return fmt.Errorf("%w: n=%d", quant.ErrShape, w.N)
	}
	if w.NumCodebooks <= 0 {
		return fmt.Errorf("%w: num_codebooks=%d", quant.ErrShape, w.NumCodebooks)
	}
	var total int
	for i, p := range w.PartitionSizes {
		if p <= 0 {
			return fmt.Errorf("%w: partition %d has size %d", quant.ErrShape, i, p)
		}
		total += p
	}
	if total != w.N {
		return fmt.Errorf("%w: partitions cover %d columns, weight has %d", quant.ErrShape, total, w.N)
	}
	if want := len(w.PartitionSizes) * w.NumCodebooks; len(w.Codebooks) != want {
		return fmt.Errorf("%w: %d codebooks, want %d for %d partitions",
			quant.ErrShape, len(w.Codebooks), want, len(w.PartitionSizes))
	}
	for i := range w.Codebooks {
		if err := w.Codebooks[i].validate(); err != nil {
			return fmt.Errorf("codebook %d: %w", i, err)
		}
	}
	numGroups := w.K / VectorDim
	if want := w.N * numGroups * w.NumCodebooks; len(w.Codes) != want {
		return fmt.Errorf("%w: %d codes, want %d", quant.ErrShape, len(w.Codes), want)
	}
	if len(w.Scales) != w.N {
		return fmt.Errorf("%w: %d scales for %d columns", quant.ErrShape, len(w.Scales), w.N)
	}

	for n := 0; n < w.N; n++ {
		books := w.partitionBooks(n)
		base := n * numGroups * w.NumCodebooks
		for i := 0; i < numGroups*w.NumCodebooks; i++ {
			cb := &books[i%w.NumCodebooks]
			if int(w.Codes[base+i]) >= cb.Entries {
				return fmt.Errorf("%w: code %d exceeds codebook with %d entries",
					quant.ErrShape, w.Codes[base+i], cb.Entries)
			}
		}
	}
	return nil
}

// partitionBooks returns the codebook set owning output column n.
func (w *Weight) partitionBooks(n int) []Codebook {
	p := 0
	for _, size := range w.PartitionSizes {
		if n < size {
			break
		}
		n -= size
		p++
	}
	return w.Codebooks[p*w.NumCodebooks : (p+1)*w.NumCodebooks]
}

// decodeColumn writes output column n into dst, one value per input
// channel, scale applied.
func (w *Weight) decodeColumn(dst []float32, n int) {
	numGroups := w.K / VectorDim
	books := w.partitionBooks(n)
	scale := w.Scales[n]
	base := n * numGroups * w.NumCodebooks
	for g := 0; g < numGroups; g++ {
		var acc [VectorDim]float32
		for c := 0; c < w.NumCodebooks; c++ {
			v := books[c].vec(w.Codes[base+g*w.NumCodebooks+c])
			for i := 0; i < VectorDim; i++ {
				acc[i] += v[i]
			}
		}
		for i := 0; i < VectorDim; i++ {
			dst[g*VectorDim+i] = acc[i] * scale
		}
	}
}

// Dequant reconstructs the dense [K, N] weight.
func (w *Weight) Dequant() (tensor.Mat, error) {
	if err := w.Validate(); err != nil {
		return tensor.Mat{}, err
	}
	out := tensor.NewMat(w.K, w.N)
	parallel.RowRange(w.N, func(cs, ce int) {
		col := make([]float32, w.K)
		for n := cs; n < ce; n++ {
			w.decodeColumn(col, n)
			for k := 0; k < w.K; k++ {
				out.Data[k*out.Stride+n] = col[k]
			}
		}
	})
	return out, nil
}

// Gemm computes out = a × decode(w) (+ bias). bias, when non-nil, holds
// one value per output column and is added to every output row.
func (w *Weight) Gemm(a *tensor.Mat, bias []float32) (tensor.Mat, error) {
	if err := w.Validate(); err != nil {
		return tensor.Mat{}, err
	}
	if a.C != w.K {
		return tensor.Mat{}, fmt.Errorf("%w: input is %dx%d, weight k=%d", quant.ErrShape, a.R, a.C, w.K)
	}
	if bias != nil && len(bias) != w.N {
		return tensor.Mat{}, fmt.Errorf("%w: bias has %d values for %d columns", quant.ErrShape, len(bias), w.N)
	}

	act := a.Dense()
	out := tensor.NewMat(a.R, w.N)
	// Decode one column at a time and dot it against every activation
	// row; the dense weight is never materialized in full.
	parallel.RowRange(w.N, func(cs, ce int) {
		col := make([]float32, w.K)
		for n := cs; n < ce; n++ {
			w.decodeColumn(col, n)
			for m := 0; m < act.R; m++ {
				aRow := act.Data[m*act.Stride : m*act.Stride+w.K]
				var sum float32
				for k := 0; k < w.K; k += VectorDim {
					sum += aRow[k]*col[k] + aRow[k+1]*col[k+1] +
						aRow[k+2]*col[k+2] + aRow[k+3]*col[k+3] +
						aRow[k+4]*col[k+4] + aRow[k+5]*col[k+5] +
						aRow[k+6]*col[k+6] + aRow[k+7]*col[k+7]
				}
				if bias != nil {
					sum += bias[n]
				}
				out.Data[m*out.Stride+n] = sum
			}
		}
	})
	return out, nil
}

// Package w8a8 implements the 8-bit integer path: activation
// quantization with static or dynamic per-row scales, and the scaled
// int8 GEMM that dequantizes its int32 accumulators through an outer
// broadcast of the two scale vectors.
package w8a8

import (
	"fmt"
	"math"

	"github.com/ewof/aphrodite-engine/internal/parallel"
	"github.com/ewof/aphrodite-engine/pkg/quant"
	"github.com/ewof/aphrodite-engine/pkg/tensor"
)

const qmax = 127

// Int8Mat is a dense row-major int8 matrix.
type Int8Mat struct {
	R, C   int
	Stride int
	Data   []int8
}

// NewInt8Mat allocates a zero int8 matrix.
func NewInt8Mat(r, c int) Int8Mat {
	if r < 0 || c < 0 {
		panic("w8a8: negative dimension")
	}
	return Int8Mat{R: r, C: c, Stride: c, Data: make([]int8, r*c)}
}

// clampToInt8 saturates in float space before converting; a float-to-int
// conversion of an out-of-range value is implementation-defined in Go.
func clampToInt8(v float32) int8 {
	if v >= qmax {
		return qmax
	}
	if v <= -qmax {
		return -qmax
	}
	return int8(roundf(v))
}

func roundf(v float32) float32 {
	if v >= 0 {
		return float32(int32(v + 0.5))
	}
	return float32(int32(v - 0.5))
}

// StaticScaledInt8Quant quantizes input with one precomputed scale:
// out = clamp(round(input/scale)). out is fully overwritten.
func StaticScaledInt8Quant(out *Int8Mat, input *tensor.Mat, scale float32) error {
	if out.R != input.R || out.C != input.C {
		return fmt.Errorf("%w: out is %dx%d, input %dx%d", quant.ErrShape, out.R, out.C, input.R, input.C)
	}
	if !(scale > 0) || math.IsInf(float64(scale), 0) {
		return fmt.Errorf("%w: scale %v must be positive and finite", quant.ErrConfig, scale)
	}
	inv := 1 / scale
	parallel.RowRange(input.R, func(rs, re int) {
		row := make([]float32, input.C)
		for i := rs; i < re; i++ {
			input.RowTo(row, i)
			dst := out.Data[i*out.Stride : i*out.Stride+out.C]
			for j, v := range row[:input.C] {
				dst[j] = clampToInt8(v * inv)
			}
		}
	})
	return nil
}

// DynamicScaledInt8Quant quantizes each row with its own absmax/127
// scale, written to scales. A zero row gets scale 1 so dequantization
// stays well-defined.
func DynamicScaledInt8Quant(out *Int8Mat, input *tensor.Mat, scales []float32) error {
	if out.R != input.R || out.C != input.C {
		return fmt.Errorf("%w: out is %dx%d, input %dx%d", quant.ErrShape, out.R, out.C, input.R, input.C)
	}
	if len(scales) != input.R {
		return fmt.Errorf("%w: %d scales for %d rows", quant.ErrShape, len(scales), input.R)
	}
	parallel.RowRange(input.R, func(rs, re int) {
		row := make([]float32, input.C)
		for i := rs; i < re; i++ {
			input.RowTo(row, i)
			var absMax float32
			for _, v := range row[:input.C] {
				if v < 0 {
					v = -v
				}
				if v > absMax {
					absMax = v
				}
			}
			scale := float32(1)
			if absMax > 0 {
				scale = absMax / qmax
			}
			scales[i] = scale
			inv := 1 / scale
			dst := out.Data[i*out.Stride : i*out.Stride+out.C]
			for j, v := range row[:input.C] {
				dst[j] = clampToInt8(v * inv)
			}
		}
	})
	return nil
}

// ScaledMMDQ computes out = (a × b) * aScales ⊗ bScales: int8 operands,
// int32 accumulation, then per-element dequantization with the row scale
// of a and the column scale of b. out must be preallocated and is fully
// overwritten.
func ScaledMMDQ(out *tensor.Mat, a, b *Int8Mat, aScales, bScales []float32) error {
	if a.C != b.R || out.R != a.R || out.C != b.C {
		return fmt.Errorf("%w: a is %dx%d, b %dx%d, out %dx%d",
			quant.ErrShape, a.R, a.C, b.R, b.C, out.R, out.C)
	}
	if len(aScales) != a.R {
		return fmt.Errorf("%w: %d a_scales for %d rows", quant.ErrShape, len(aScales), a.R)
	}
	if len(bScales) != b.C {
		return fmt.Errorf("%w: %d b_scales for %d columns", quant.ErrShape, len(bScales), b.C)
	}

	parallel.RowRange(a.R, func(rs, re int) {
		acc := make([]int32, b.C)
		for m := rs; m < re; m++ {
			clear(acc)
			aRow := a.Data[m*a.Stride : m*a.Stride+a.C]
			for k, av := range aRow {
				if av == 0 {
					continue
				}
				bRow := b.Data[k*b.Stride : k*b.Stride+b.C]
				a32 := int32(av)
				for n, bv := range bRow {
					acc[n] += a32 * int32(bv)
				}
			}
			dst := out.Data[m*out.Stride : m*out.Stride+out.C]
			as := aScales[m]
			for n, v := range acc {
				dst[n] = float32(v) * as * bScales[n]
			}
		}
	})
	return nil
}

// Package fp8 implements the 8-bit float (E4M3) activation path:
// saturating encode/decode with no infinities, and static/dynamic
// per-tensor scaled quantization.
package fp8

import (
	"fmt"
	"math"

	"github.com/ewof/aphrodite-engine/internal/parallel"
	"github.com/ewof/aphrodite-engine/pkg/quant"
	"github.com/ewof/aphrodite-engine/pkg/tensor"
)

// MaxValue is the largest finite E4M3 magnitude. Values beyond it clamp
// here instead of overflowing to infinity; the format has none.
const MaxValue = 448

const nanBits = 0x7F

// decodeTable maps every byte to its E4M3 value. Exponent bias 7,
// subnormals at exponent 0, 0x7F/0xFF reserved for NaN.
var decodeTable = func() [256]float32 {
	var t [256]float32
	for b := 0; b < 256; b++ {
		sign := float64(1)
		if b&0x80 != 0 {
			sign = -1
		}
		exp := (b >> 3) & 0xF
		man := b & 7
		var v float64
		switch {
		case exp == 0xF && man == 7:
			v = math.NaN()
		case exp == 0:
			v = float64(man) * 0x1p-9
		default:
			v = (1 + float64(man)/8) * math.Pow(2, float64(exp-7))
		}
		t[b] = float32(sign * v)
	}
	return t
}()

// Decode returns the value of an E4M3 byte.
func Decode(b uint8) float32 {
	return decodeTable[b]
}

// Encode converts to E4M3 with round-to-nearest (ties to the larger
// code) and saturation at ±MaxValue. NaN encodes as the NaN byte.
func Encode(v float32) uint8 {
	if math.IsNaN(float64(v)) {
		return nanBits
	}
	var sign uint8
	if math.Signbit(float64(v)) {
		sign = 0x80
		v = -v
	}
	if v >= MaxValue {
		return sign | 0x7E
	}
	// Positive codes 0x00..0x7E decode monotonically; binary search the
	// nearest.
	lo, hi := uint8(0), uint8(0x7E)
	for lo < hi {
		mid := (lo + hi) / 2
		if decodeTable[mid] < v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo > 0 {
		below := decodeTable[lo-1]
		if v-below < decodeTable[lo]-v {
			lo--
		}
	}
	return sign | lo
}

// Dequant expands codes through the decode table and multiplies by
// scale.
func Dequant(dst []float32, codes []uint8, scale float32) {
	for i, c := range codes {
		dst[i] = decodeTable[c] * scale
	}
}

// StaticScaledQuant writes fp8(input/scale) into out. out must hold one
// byte per element and is fully overwritten.
func StaticScaledQuant(out []uint8, input *tensor.Mat, scale float32) error {
	if len(out) != input.R*input.C {
		return fmt.Errorf("%w: out has %d bytes for %dx%d input", quant.ErrShape, len(out), input.R, input.C)
	}
	if !(scale > 0) || math.IsInf(float64(scale), 0) {
		return fmt.Errorf("%w: scale %v must be positive and finite", quant.ErrConfig, scale)
	}
	inv := 1 / scale
	parallel.RowRange(input.R, func(rs, re int) {
		row := make([]float32, input.C)
		for i := rs; i < re; i++ {
			input.RowTo(row, i)
			dst := out[i*input.C : (i+1)*input.C]
			for j, v := range row[:input.C] {
				dst[j] = Encode(v * inv)
			}
		}
	})
	return nil
}

// DynamicScaledQuant computes the per-tensor scale absmax/MaxValue,
// quantizes with it, and returns it. An all-zero input gets scale 1.
func DynamicScaledQuant(out []uint8, input *tensor.Mat) (float32, error) {
	if len(out) != input.R*input.C {
		return 0, fmt.Errorf("%w: out has %d bytes for %dx%d input", quant.ErrShape, len(out), input.R, input.C)
	}
	var absMax float32
	row := make([]float32, input.C)
	for i := 0; i < input.R; i++ {
		input.RowTo(row, i)
		for _, v := range row[:input.C] {
			if v < 0 {
				v = -v
			}
			if v > absMax {
				absMax = v
			}
		}
	}
	scale := float32(1)
	if absMax > 0 {
		scale = absMax / MaxValue
	}
	if err := StaticScaledQuant(out, input, scale); err != nil {
		return 0, err
	}
	return scale, nil
}

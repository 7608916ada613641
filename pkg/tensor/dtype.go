package tensor

import (
	"math"

	"github.com/x448/float16"
)

// DType identifies the element encoding of a Mat's backing storage.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return "unknown"
	}
}

// ElemSize returns the storage size of one element in bytes.
func (d DType) ElemSize() (int, bool) {
	switch d {
	case F32:
		return 4, true
	case F16, BF16:
		return 2, true
	default:
		return 0, false
	}
}

// bf16Table maps every possible BF16 bit-pattern to float32.
var bf16Table = func() [1 << 16]float32 {
	var tbl [1 << 16]float32
	for i := range tbl {
		tbl[i] = math.Float32frombits(uint32(i) << 16)
	}
	return tbl
}()

// fp16Table maps every possible FP16 bit-pattern to float32.
var fp16Table = func() [1 << 16]float32 {
	var tbl [1 << 16]float32
	for i := range tbl {
		tbl[i] = float16.Frombits(uint16(i)).Float32()
	}
	return tbl
}()

func bf16ToF32(u uint16) float32 {
	return bf16Table[u]
}

func bf16FromF32(f float32) uint16 {
	u := math.Float32bits(f)
	// Round-to-nearest-even on the truncated 16 bits.
	rnd := uint32(0x7FFF + ((u >> 16) & 1))
	return uint16((u + rnd) >> 16)
}

func fp16ToF32(u uint16) float32 {
	return fp16Table[u]
}

func fp16FromF32(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

// Float16Bits converts a float32 slice to packed IEEE binary16 bits.
func Float16Bits(src []float32) []uint16 {
	out := make([]uint16, len(src))
	for i, v := range src {
		out[i] = fp16FromF32(v)
	}
	return out
}

// BFloat16Bits converts a float32 slice to packed bfloat16 bits.
func BFloat16Bits(src []float32) []uint16 {
	out := make([]uint16, len(src))
	for i, v := range src {
		out[i] = bf16FromF32(v)
	}
	return out
}

func u16le(b []byte, off int) uint16 {
	_ = b[off+1]
	return uint16(b[off]) | uint16(b[off+1])<<8
}

func f32frombits(u uint32) float32 {
	return math.Float32frombits(u)
}

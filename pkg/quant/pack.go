package quant

import "fmt"

// Codes are packed LSB-first into little-endian uint32 storage words as a
// continuous bit stream: code i occupies bits [i*bits, (i+1)*bits), which
// for 3-bit codes straddles word boundaries. Unpacking must reproduce the
// exact code for every supported width; a wrong shift here is a
// correctness bug, not a performance issue.

// SupportedBits reports whether the bit width is in the supported set.
func SupportedBits(bits int) bool {
	switch bits {
	case 2, 3, 4, 8:
		return true
	}
	return false
}

// CheckBits returns ErrUnsupportedBits for widths outside {2,3,4,8}.
func CheckBits(bits int) error {
	if !SupportedBits(bits) {
		return fmt.Errorf("%w: %d", ErrUnsupportedBits, bits)
	}
	return nil
}

// PackedWords returns the number of uint32 words needed to store n codes.
func PackedWords(n, bits int) int {
	return (n*bits + 31) / 32
}

// MaxCode returns the largest representable code for the width.
func MaxCode(bits int) uint8 {
	return uint8(1<<bits - 1)
}

// PackCodes packs codes into a new word slice. Codes above the width's
// maximum are rejected rather than truncated.
func PackCodes(codes []uint8, bits int) ([]uint32, error) {
	if err := CheckBits(bits); err != nil {
		return nil, err
	}
	maxc := MaxCode(bits)
	words := make([]uint32, PackedWords(len(codes), bits))
	for i, c := range codes {
		if c > maxc {
			return nil, fmt.Errorf("%w: code %d exceeds %d-bit range", ErrShape, c, bits)
		}
		bitPos := i * bits
		w := bitPos >> 5
		off := uint(bitPos & 31)
		words[w] |= uint32(c) << off
		if off+uint(bits) > 32 {
			words[w+1] |= uint32(c) >> (32 - off)
		}
	}
	return words, nil
}

// UnpackCodes expands n packed codes back into bytes.
func UnpackCodes(words []uint32, bits, n int) ([]uint8, error) {
	if err := CheckBits(bits); err != nil {
		return nil, err
	}
	if need := PackedWords(n, bits); len(words) < need {
		return nil, fmt.Errorf("%w: need %d words for %d codes, have %d", ErrShape, need, n, len(words))
	}
	out := make([]uint8, n)
	for i := range out {
		out[i] = CodeAt(words, i, bits)
	}
	return out, nil
}

// CodeAt extracts code i from a contiguous packed stream. The caller
// guarantees bounds; hot loops must not pay for revalidation.
func CodeAt(words []uint32, i, bits int) uint8 {
	bitPos := i * bits
	w := bitPos >> 5
	off := uint(bitPos & 31)
	v := words[w] >> off
	if off+uint(bits) > 32 {
		v |= words[w+1] << (32 - off)
	}
	return uint8(v) & MaxCode(bits)
}

// ColCodeAt extracts code i of column col from a column-strided packed
// layout: storage is rows of `stride` words, where word w of a column
// lives at words[w*stride+col]. This is the natural order produced by
// external quantizer tools for [K-packed, N] weight tensors.
func ColCodeAt(words []uint32, stride, col, i, bits int) uint8 {
	bitPos := i * bits
	w := bitPos >> 5
	off := uint(bitPos & 31)
	v := words[w*stride+col] >> off
	if off+uint(bits) > 32 {
		v |= words[(w+1)*stride+col] << (32 - off)
	}
	return uint8(v) & MaxCode(bits)
}

// ColSetCode writes code i of column col into a column-strided layout.
// The destination bits must be zero (freshly allocated or cleared).
func ColSetCode(words []uint32, stride, col, i, bits int, code uint8) {
	bitPos := i * bits
	w := bitPos >> 5
	off := uint(bitPos & 31)
	words[w*stride+col] |= uint32(code) << off
	if off+uint(bits) > 32 {
		words[(w+1)*stride+col] |= uint32(code) >> (32 - off)
	}
}

// ValidateGroups checks that groupSize divides k and returns the group
// count. groupSize -1 or k selects a single whole-tensor group.
func ValidateGroups(k, groupSize int) (int, error) {
	if groupSize == -1 {
		groupSize = k
	}
	if groupSize <= 0 || k <= 0 || k%groupSize != 0 {
		return 0, fmt.Errorf("%w: k=%d group=%d", ErrGroupShape, k, groupSize)
	}
	return k / groupSize, nil
}

// DequantAffine applies the affine reconstruction (code - zp) * scale.
func DequantAffine(code, zp uint8, scale float32) float32 {
	return (float32(code) - float32(zp)) * scale
}

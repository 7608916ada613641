// Package tensor provides the dense matrix type consumed and produced by
// the quantized kernels. A Mat is a shape plus backing storage; the
// kernels never own the storage and never mutate inputs that are not
// documented outputs.
package tensor

import (
	"errors"
	"fmt"
	"math/rand"
)

// Mat is a dense row-major matrix. R and C are the logical dimensions and
// Stride the element distance between consecutive row starts.
//
// F32 matrices keep Data populated. F16/BF16 matrices keep Raw populated
// and decode on access; this mirrors how activations arrive from a host
// framework without forcing an up-front dense copy.
type Mat struct {
	R, C   int
	Stride int

	DType DType
	Data  []float32
	Raw   []byte
}

var (
	ErrNegativeDim  = errors.New("tensor: negative dimension")
	ErrShape        = errors.New("tensor: shape mismatch")
	ErrUnsupported  = errors.New("tensor: unsupported dtype")
	ErrSizeOverflow = errors.New("tensor: size overflow")
)

// NewMat allocates a zero-initialised F32 matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("tensor: negative dimension")
	}
	return Mat{R: r, C: c, Stride: c, DType: F32, Data: make([]float32, r*c)}
}

// FromData wraps existing float32 data as an r×c matrix.
func FromData(r, c int, data []float32) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, ErrNegativeDim
	}
	n, ok := mulInt(r, c)
	if !ok {
		return Mat{}, ErrSizeOverflow
	}
	if n != len(data) {
		return Mat{}, fmt.Errorf("%w: want %d elements, have %d", ErrShape, n, len(data))
	}
	return Mat{R: r, C: c, Stride: c, DType: F32, Data: data}, nil
}

// FromRaw wraps raw bytes in the given dtype as an r×c matrix. The raw
// slice must hold exactly r*c elements in row-major order.
func FromRaw(r, c int, dtype DType, raw []byte) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, ErrNegativeDim
	}
	elemSize, ok := dtype.ElemSize()
	if !ok {
		return Mat{}, ErrUnsupported
	}
	n, ok := mulInt(r, c)
	if !ok {
		return Mat{}, ErrSizeOverflow
	}
	nbytes, ok := mulInt(n, elemSize)
	if !ok {
		return Mat{}, ErrSizeOverflow
	}
	if len(raw) != nbytes {
		return Mat{}, fmt.Errorf("%w: want %d bytes, have %d", ErrShape, nbytes, len(raw))
	}
	if dtype == F32 {
		data := make([]float32, n)
		for i := range data {
			// Little-endian float32, matching the on-wire weight layout.
			u := uint32(u16le(raw, i*4)) | uint32(u16le(raw, i*4+2))<<16
			data[i] = f32frombits(u)
		}
		return Mat{R: r, C: c, Stride: c, DType: F32, Data: data}, nil
	}
	return Mat{R: r, C: c, Stride: c, DType: dtype, Raw: raw}, nil
}

// Row returns the i-th row. For F32 it is a live view; for raw dtypes it
// is a freshly decoded copy.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("tensor: row index out of range")
	}
	if m.Raw == nil || m.DType == F32 {
		start := i * m.Stride
		return m.Data[start : start+m.C]
	}
	row := make([]float32, m.C)
	m.RowTo(row, i)
	return row
}

// RowTo decodes the i-th row into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("tensor: row index out of range")
	}
	if len(dst) < m.C {
		panic("tensor: row buffer too small")
	}
	if m.Raw == nil || m.DType == F32 {
		start := i * m.Stride
		copy(dst[:m.C], m.Data[start:start+m.C])
		return
	}
	off := i * m.Stride * 2
	switch m.DType {
	case F16:
		for j := 0; j < m.C; j++ {
			dst[j] = fp16ToF32(u16le(m.Raw, off+j*2))
		}
	case BF16:
		for j := 0; j < m.C; j++ {
			dst[j] = bf16ToF32(u16le(m.Raw, off+j*2))
		}
	default:
		panic("tensor: unsupported dtype for row decode")
	}
}

// Dense returns an F32 copy of the matrix, decoding raw dtypes.
func (m *Mat) Dense() Mat {
	out := NewMat(m.R, m.C)
	for i := 0; i < m.R; i++ {
		m.RowTo(out.Data[i*out.Stride:(i+1)*out.Stride], i)
	}
	return out
}

// At returns the element at (i, j). Intended for tests and diagnostics,
// not hot loops.
func (m *Mat) At(i, j int) float32 {
	if j < 0 || j >= m.C {
		panic("tensor: column index out of range")
	}
	if m.Raw == nil || m.DType == F32 {
		return m.Data[i*m.Stride+j]
	}
	off := (i*m.Stride + j) * 2
	switch m.DType {
	case F16:
		return fp16ToF32(u16le(m.Raw, off))
	case BF16:
		return bf16ToF32(u16le(m.Raw, off))
	}
	panic("tensor: unsupported dtype")
}

// FillRand fills an F32 matrix with reproducible pseudo-random values in
// a small range around zero, so accumulations stay well-conditioned.
func FillRand(m *Mat, seed int64) {
	if m.Raw != nil && m.DType != F32 {
		panic("tensor: FillRand requires an f32 mat")
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 2
	}
}

func mulInt(a, b int) (int, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > int(^uint(0)>>1)/b {
		return 0, false
	}
	return a * b, true
}

// Package gptq implements grouped-affine low-bit weight kernels: packed
// 2/3/4/8-bit codes with per-group scales and zero-points along the K
// dimension, an optional activation-order group index, and an
// exllama-style fast path that requires a one-time weight shuffle.
package gptq

import (
	"fmt"

	"github.com/ewof/aphrodite-engine/pkg/quant"
)

// Weight is a packed GPTQ weight for a [K, N] matrix.
//
// QWeight packs codes along K per output column: word w of column n lives
// at QWeight[w*N+n]. QZeros packs one zero-point code per (group, column)
// along N, one word row per group. Scales is [numGroups, N] row-major.
// GIdx, when present, maps each input channel to its quantization group
// (activation-order models); otherwise channel k belongs to group
// k/GroupSize.
type Weight struct {
	QWeight   []uint32
	QZeros    []uint32
	Scales    []float32
	GIdx      []int32
	Bits      int
	GroupSize int
	K, N      int

	// perm is set by Shuffle. A shuffled weight stores its K rows in
	// permuted order and can only be consumed by the fast path.
	perm []int32
}

// Shuffled reports whether Shuffle has been applied.
func (w *Weight) Shuffled() bool {
	return w.perm != nil
}

// Validate checks the packed geometry before any kernel touches it.
func (w *Weight) Validate() error {
	if err := quant.CheckBits(w.Bits); err != nil {
		return err
	}
	numGroups, err := quant.ValidateGroups(w.K, w.GroupSize)
	if err != nil {
		return err
	}
	if w.N <= 0 {
		return fmt.Errorf("%w: n=%d", quant.ErrShape, w.N)
	}
	if want := quant.PackedWords(w.K, w.Bits) * w.N; len(w.QWeight) != want {
		return fmt.Errorf("%w: qweight has %d words, want %d for k=%d n=%d bits=%d",
			quant.ErrShape, len(w.QWeight), want, w.K, w.N, w.Bits)
	}
	if want := numGroups * quant.PackedWords(w.N, w.Bits); len(w.QZeros) != want {
		return fmt.Errorf("%w: qzeros has %d words, want %d", quant.ErrShape, len(w.QZeros), want)
	}
	if want := numGroups * w.N; len(w.Scales) != want {
		return fmt.Errorf("%w: scales has %d values, want %d", quant.ErrShape, len(w.Scales), want)
	}
	if w.GIdx != nil {
		if len(w.GIdx) != w.K {
			return fmt.Errorf("%w: g_idx has %d entries, want %d", quant.ErrShape, len(w.GIdx), w.K)
		}
		for k, g := range w.GIdx {
			if g < 0 || int(g) >= numGroups {
				return fmt.Errorf("%w: g_idx[%d]=%d outside %d groups", quant.ErrShape, k, g, numGroups)
			}
		}
	}
	if w.perm != nil && len(w.perm) != w.K {
		return fmt.Errorf("%w: perm has %d entries, want %d", quant.ErrShape, len(w.perm), w.K)
	}
	return nil
}

func (w *Weight) numGroups() int {
	gs := w.GroupSize
	if gs == -1 {
		gs = w.K
	}
	return w.K / gs
}

// group returns the quantization group of natural-order channel k.
func (w *Weight) group(k int) int {
	if w.GIdx != nil {
		return int(w.GIdx[k])
	}
	gs := w.GroupSize
	if gs == -1 {
		gs = w.K
	}
	return k / gs
}

// zero returns the zero-point code for (group, column).
func (w *Weight) zero(g, n int) uint8 {
	wordsPerN := quant.PackedWords(w.N, w.Bits)
	return quant.CodeAt(w.QZeros[g*wordsPerN:(g+1)*wordsPerN], n, w.Bits)
}

// Encode packs natural-order codes into a GPTQ weight. codes is [K, N]
// row-major with one low-bit code per element; zeros is one zero-point
// code per (group, column); scales is [numGroups, N].
func Encode(codes []uint8, zeros []uint8, scales []float32, gIdx []int32, bits, groupSize, k, n int) (*Weight, error) {
	if err := quant.CheckBits(bits); err != nil {
		return nil, err
	}
	numGroups, err := quant.ValidateGroups(k, groupSize)
	if err != nil {
		return nil, err
	}
	if len(codes) != k*n {
		return nil, fmt.Errorf("%w: %d codes for k=%d n=%d", quant.ErrShape, len(codes), k, n)
	}
	if len(zeros) != numGroups*n {
		return nil, fmt.Errorf("%w: %d zeros for %d groups of %d columns", quant.ErrShape, len(zeros), numGroups, n)
	}
	if len(scales) != numGroups*n {
		return nil, fmt.Errorf("%w: %d scales for %d groups of %d columns", quant.ErrShape, len(scales), numGroups, n)
	}

	maxc := quant.MaxCode(bits)
	qweight := make([]uint32, quant.PackedWords(k, bits)*n)
	for kk := 0; kk < k; kk++ {
		for nn := 0; nn < n; nn++ {
			c := codes[kk*n+nn]
			if c > maxc {
				return nil, fmt.Errorf("%w: code %d exceeds %d-bit range", quant.ErrShape, c, bits)
			}
			quant.ColSetCode(qweight, n, nn, kk, bits, c)
		}
	}

	wordsPerN := quant.PackedWords(n, bits)
	qzeros := make([]uint32, numGroups*wordsPerN)
	for g := 0; g < numGroups; g++ {
		row, err := quant.PackCodes(zeros[g*n:(g+1)*n], bits)
		if err != nil {
			return nil, err
		}
		copy(qzeros[g*wordsPerN:], row)
	}

	w := &Weight{
		QWeight:   qweight,
		QZeros:    qzeros,
		Scales:    append([]float32(nil), scales...),
		GIdx:      gIdx,
		Bits:      bits,
		GroupSize: groupSize,
		K:         k,
		N:         n,
	}
	return w, w.Validate()
}

// Package awq implements the zero-point 4-bit format produced by AWQ
// quantizers: codes packed eight per 32-bit word in the interleaved
// nibble order 0,2,4,6,1,3,5,7, with per-group scales and packed
// zero-points along the N dimension.
package awq

import (
	"fmt"

	"github.com/ewof/aphrodite-engine/internal/parallel"
	"github.com/ewof/aphrodite-engine/pkg/moe"
	"github.com/ewof/aphrodite-engine/pkg/quant"
	"github.com/ewof/aphrodite-engine/pkg/tensor"
)

// PackFactor is the number of 4-bit codes per storage word.
const PackFactor = 8

// nibbleOrder maps a logical lane within a word to its physical nibble.
var nibbleOrder = [PackFactor]uint{0, 2, 4, 6, 1, 3, 5, 7}

// Weight is a packed AWQ weight for a [K, N] matrix. Kernel is
// [K, N/8] row-major words; Zeros is [numGroups, N/8] words packed in the
// same interleaved order; Scales is [numGroups, N] row-major.
type Weight struct {
	Kernel    []uint32
	Zeros     []uint32
	Scales    []float32
	GroupSize int
	K, N      int
}

// Validate checks the packed geometry.
func (w *Weight) Validate() error {
	numGroups, err := quant.ValidateGroups(w.K, w.GroupSize)
	if err != nil {
		return err
	}
	if w.N <= 0 || w.N%PackFactor != 0 {
		return fmt.Errorf("%w: n=%d must be a positive multiple of %d", quant.ErrShape, w.N, PackFactor)
	}
	wordsPerRow := w.N / PackFactor
	if want := w.K * wordsPerRow; len(w.Kernel) != want {
		return fmt.Errorf("%w: kernel has %d words, want %d", quant.ErrShape, len(w.Kernel), want)
	}
	if want := numGroups * wordsPerRow; len(w.Zeros) != want {
		return fmt.Errorf("%w: zeros has %d words, want %d", quant.ErrShape, len(w.Zeros), want)
	}
	if want := numGroups * w.N; len(w.Scales) != want {
		return fmt.Errorf("%w: scales has %d values, want %d", quant.ErrShape, len(w.Scales), want)
	}
	return nil
}

func codeFromWord(word uint32, lane int) uint8 {
	return uint8(word>>(4*nibbleOrder[lane])) & 0xF
}

func setCodeInWord(word *uint32, lane int, code uint8) {
	*word |= uint32(code&0xF) << (4 * nibbleOrder[lane])
}

// code returns the weight code at (k, n).
func (w *Weight) code(k, n int) uint8 {
	word := w.Kernel[k*(w.N/PackFactor)+n/PackFactor]
	return codeFromWord(word, n%PackFactor)
}

// zero returns the zero-point code for (group, n).
func (w *Weight) zero(g, n int) uint8 {
	word := w.Zeros[g*(w.N/PackFactor)+n/PackFactor]
	return codeFromWord(word, n%PackFactor)
}

// Encode packs natural-order codes into the AWQ layout. codes is [K, N]
// row-major; zeros is one code per (group, column); scales is
// [numGroups, N].
func Encode(codes, zeros []uint8, scales []float32, groupSize, k, n int) (*Weight, error) {
	numGroups, err := quant.ValidateGroups(k, groupSize)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n%PackFactor != 0 {
		return nil, fmt.Errorf("%w: n=%d must be a positive multiple of %d", quant.ErrShape, n, PackFactor)
	}
	if len(codes) != k*n {
		return nil, fmt.Errorf("%w: %d codes for k=%d n=%d", quant.ErrShape, len(codes), k, n)
	}
	if len(zeros) != numGroups*n {
		return nil, fmt.Errorf("%w: %d zeros for %d groups", quant.ErrShape, len(zeros), numGroups)
	}
	if len(scales) != numGroups*n {
		return nil, fmt.Errorf("%w: %d scales for %d groups", quant.ErrShape, len(scales), numGroups)
	}

	wordsPerRow := n / PackFactor
	kernel := make([]uint32, k*wordsPerRow)
	for kk := 0; kk < k; kk++ {
		for nn := 0; nn < n; nn++ {
			c := codes[kk*n+nn]
			if c > 0xF {
				return nil, fmt.Errorf("%w: code %d exceeds 4-bit range", quant.ErrShape, c)
			}
			setCodeInWord(&kernel[kk*wordsPerRow+nn/PackFactor], nn%PackFactor, c)
		}
	}
	zwords := make([]uint32, numGroups*wordsPerRow)
	for g := 0; g < numGroups; g++ {
		for nn := 0; nn < n; nn++ {
			z := zeros[g*n+nn]
			if z > 0xF {
				return nil, fmt.Errorf("%w: zero %d exceeds 4-bit range", quant.ErrShape, z)
			}
			setCodeInWord(&zwords[g*wordsPerRow+nn/PackFactor], nn%PackFactor, z)
		}
	}

	w := &Weight{
		Kernel:    kernel,
		Zeros:     zwords,
		Scales:    append([]float32(nil), scales...),
		GroupSize: groupSize,
		K:         k,
		N:         n,
	}
	return w, w.Validate()
}

// Dequantize reconstructs the dense [K, N] weight.
func (w *Weight) Dequantize() (tensor.Mat, error) {
	if err := w.Validate(); err != nil {
		return tensor.Mat{}, err
	}
	gs := w.GroupSize
	if gs == -1 {
		gs = w.K
	}
	out := tensor.NewMat(w.K, w.N)
	parallel.RowRange(w.K, func(rs, re int) {
		for k := rs; k < re; k++ {
			g := k / gs
			scaleRow := w.Scales[g*w.N : (g+1)*w.N]
			dst := out.Data[k*out.Stride : (k+1)*out.Stride]
			for n := 0; n < w.N; n++ {
				dst[n] = quant.DequantAffine(w.code(k, n), w.zero(g, n), scaleRow[n])
			}
		}
	})
	return out, nil
}

// K rows dequantize in tiles of this size; the dense weight is never
// materialized in full.
const kTile = 32

// Gemm computes out = inFeats × dequant(w), fusing dequantization with
// the accumulation. splitKIters splits the K reduction into independent
// partial sums combined at the end; it must evenly divide K.
func (w *Weight) Gemm(inFeats *tensor.Mat, splitKIters int) (tensor.Mat, error) {
	if err := w.Validate(); err != nil {
		return tensor.Mat{}, err
	}
	if inFeats.C != w.K {
		return tensor.Mat{}, fmt.Errorf("%w: input is %dx%d, weight k=%d",
			quant.ErrShape, inFeats.R, inFeats.C, w.K)
	}
	if splitKIters <= 0 || w.K%splitKIters != 0 {
		return tensor.Mat{}, fmt.Errorf("%w: split_k_iters=%d does not divide k=%d",
			quant.ErrConfig, splitKIters, w.K)
	}

	gs := w.GroupSize
	if gs == -1 {
		gs = w.K
	}
	act := inFeats.Dense()
	out := tensor.NewMat(act.R, w.N)
	partial := make([]float32, len(out.Data))
	tile := make([]float32, kTile*w.N)

	kPerSplit := w.K / splitKIters
	for s := 0; s < splitKIters; s++ {
		clear(partial)
		for k0 := s * kPerSplit; k0 < (s+1)*kPerSplit; k0 += kTile {
			kMax := min(k0+kTile, (s+1)*kPerSplit)
			rows := kMax - k0
			for i := 0; i < rows; i++ {
				k := k0 + i
				g := k / gs
				scaleRow := w.Scales[g*w.N : (g+1)*w.N]
				dst := tile[i*w.N : (i+1)*w.N]
				for n := 0; n < w.N; n++ {
					dst[n] = quant.DequantAffine(w.code(k, n), w.zero(g, n), scaleRow[n])
				}
			}
			parallel.RowRange(act.R, func(rs, re int) {
				for m := rs; m < re; m++ {
					aRow := act.Data[m*act.Stride : m*act.Stride+w.K]
					cRow := partial[m*w.N : (m+1)*w.N]
					for i := 0; i < rows; i++ {
						x := aRow[k0+i]
						if x == 0 {
							continue
						}
						bRow := tile[i*w.N : (i+1)*w.N]
						for n := range cRow {
							cRow[n] += x * bRow[n]
						}
					}
				}
			})
		}
		for i, v := range partial {
			out.Data[i] += v
		}
	}
	return out, nil
}

// GroupGemm is the mixture-of-experts variant of Gemm.
func GroupGemm(inFeats *tensor.Mat, experts []*Weight, r *moe.Routing, mulWeights bool, splitKIters int) (tensor.Mat, error) {
	if len(experts) == 0 {
		return tensor.Mat{}, fmt.Errorf("%w: no expert weights", quant.ErrShape)
	}
	for i, w := range experts {
		if err := w.Validate(); err != nil {
			return tensor.Mat{}, fmt.Errorf("expert %d: %w", i, err)
		}
	}
	if splitKIters <= 0 || experts[0].K%splitKIters != 0 {
		return tensor.Mat{}, fmt.Errorf("%w: split_k_iters=%d does not divide k=%d",
			quant.ErrConfig, splitKIters, experts[0].K)
	}
	return moe.GroupGemm(inFeats, r, len(experts), func(e int32) (*tensor.Mat, error) {
		dense, err := experts[e].Dequantize()
		if err != nil {
			return nil, err
		}
		return &dense, nil
	}, mulWeights)
}

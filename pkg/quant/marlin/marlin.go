// Package marlin implements the tiled 4/8-bit symmetric weight kernels:
// a repack step reorders externally packed codes into 16x16 tile order,
// and the GEMMs run over that layout with caller-allocated workspace for
// their partial sums.
package marlin

import (
	"fmt"

	"github.com/ewof/aphrodite-engine/internal/parallel"
	"github.com/ewof/aphrodite-engine/pkg/quant"
	"github.com/ewof/aphrodite-engine/pkg/tensor"
)

// Tile is the edge of the square weight tile.
const Tile = 16

// Packed is a repacked [K, N] weight: a continuous bit stream of codes in
// tile order, row-major over tiles, column-major inside each tile.
type Packed struct {
	Words []uint32
	Bits  int
	K, N  int
}

func checkBits(numBits int) error {
	if numBits != 4 && numBits != 8 {
		return fmt.Errorf("%w: %d (marlin packs 4 or 8)", quant.ErrUnsupportedBits, numBits)
	}
	return nil
}

// streamIndex returns the position of element (k, n) in the tile-ordered
// code stream.
func (p *Packed) streamIndex(k, n int) int {
	tilesPerRow := p.N / Tile
	tileIdx := (k/Tile)*tilesPerRow + n/Tile
	return tileIdx*Tile*Tile + (n%Tile)*Tile + k%Tile
}

// codeAt reads the code for element (k, n).
func (p *Packed) codeAt(k, n int) uint8 {
	return quant.CodeAt(p.Words, p.streamIndex(k, n), p.Bits)
}

// Validate checks the packed geometry.
func (p *Packed) Validate() error {
	if err := checkBits(p.Bits); err != nil {
		return err
	}
	if p.K <= 0 || p.K%Tile != 0 || p.N <= 0 || p.N%Tile != 0 {
		return fmt.Errorf("%w: k=%d n=%d must be positive multiples of %d", quant.ErrShape, p.K, p.N, Tile)
	}
	if want := quant.PackedWords(p.K*p.N, p.Bits); len(p.Words) != want {
		return fmt.Errorf("%w: %d words, want %d", quant.ErrShape, len(p.Words), want)
	}
	return nil
}

// Repack converts a column-strided [K-packed, N] weight (word w of column
// n at qweight[w*N+n]) into tile order. perm, when non-nil, reorders the
// K rows first: destination row i takes source row perm[i]. The result
// holds the same code multiset under a deterministic, invertible
// permutation.
func Repack(qweight []uint32, perm []int32, sizeK, sizeN, numBits int) (*Packed, error) {
	if err := checkBits(numBits); err != nil {
		return nil, err
	}
	if sizeK <= 0 || sizeK%Tile != 0 || sizeN <= 0 || sizeN%Tile != 0 {
		return nil, fmt.Errorf("%w: k=%d n=%d must be positive multiples of %d", quant.ErrShape, sizeK, sizeN, Tile)
	}
	if want := quant.PackedWords(sizeK, numBits) * sizeN; len(qweight) != want {
		return nil, fmt.Errorf("%w: qweight has %d words, want %d", quant.ErrShape, len(qweight), want)
	}
	if perm != nil {
		if len(perm) != sizeK {
			return nil, fmt.Errorf("%w: perm has %d entries, want %d", quant.ErrShape, len(perm), sizeK)
		}
		seen := make([]bool, sizeK)
		for _, p := range perm {
			if p < 0 || int(p) >= sizeK || seen[p] {
				return nil, fmt.Errorf("%w: perm is not a permutation of [0,%d)", quant.ErrShape, sizeK)
			}
			seen[p] = true
		}
	}

	p := &Packed{
		Words: make([]uint32, quant.PackedWords(sizeK*sizeN, numBits)),
		Bits:  numBits,
		K:     sizeK,
		N:     sizeN,
	}
	stream := make([]uint8, sizeK*sizeN)
	for k := 0; k < sizeK; k++ {
		src := k
		if perm != nil {
			src = int(perm[k])
		}
		for n := 0; n < sizeN; n++ {
			stream[p.streamIndex(k, n)] = quant.ColCodeAt(qweight, sizeN, n, src, numBits)
		}
	}
	words, err := quant.PackCodes(stream, numBits)
	if err != nil {
		return nil, err
	}
	copy(p.Words, words)
	return p, nil
}

// WorkspaceSize returns the float32 element count the GEMMs need for a
// given output shape.
func WorkspaceSize(sizeM, sizeN int) int {
	return sizeM * sizeN
}

func checkWorkspace(workspace []float32, sizeM, sizeN int) error {
	if need := WorkspaceSize(sizeM, sizeN); len(workspace) < need {
		return fmt.Errorf("%w: have %d elements, need %d", quant.ErrWorkspace, len(workspace), need)
	}
	return nil
}

// checkScales infers the group size from the scale count.
func checkScales(scales []float32, sizeN, sizeK int) (int, error) {
	if len(scales) == 0 || len(scales)%sizeN != 0 {
		return 0, fmt.Errorf("%w: %d scales for n=%d", quant.ErrGroupShape, len(scales), sizeN)
	}
	numGroups := len(scales) / sizeN
	if sizeK%numGroups != 0 {
		return 0, fmt.Errorf("%w: %d groups do not divide k=%d", quant.ErrGroupShape, numGroups, sizeK)
	}
	return sizeK / numGroups, nil
}

// Gemm computes out = a × dequant(p) for the symmetric 4-bit layout.
// scales is [numGroups, N]; dequantization is (code - 8) * scale.
// workspace holds the running accumulation; its prior contents are
// ignored.
func Gemm(a *tensor.Mat, p *Packed, scales, workspace []float32, sizeM, sizeN, sizeK int) (tensor.Mat, error) {
	if p.Bits != 4 {
		return tensor.Mat{}, fmt.Errorf("%w: %d (plain marlin is 4-bit)", quant.ErrUnsupportedBits, p.Bits)
	}
	return gemm(a, p, scales, nil, nil, workspace, sizeM, sizeN, sizeK, 1)
}

// GptqGemm is the act-order-aware variant: the weight was repacked with
// perm, gIdx maps natural channels to scale groups, and numBits selects
// the code width. When isKFull is false the K reduction runs as two
// partial sums combined through the workspace; the result is identical
// either way.
func GptqGemm(a *tensor.Mat, p *Packed, scales []float32, gIdx, perm []int32, workspace []float32, numBits, sizeM, sizeN, sizeK int, isKFull bool) (tensor.Mat, error) {
	if p.Bits != numBits {
		return tensor.Mat{}, fmt.Errorf("%w: weight packed at %d bits, call says %d",
			quant.ErrConfig, p.Bits, numBits)
	}
	if perm != nil && len(perm) != sizeK {
		return tensor.Mat{}, fmt.Errorf("%w: perm has %d entries, want %d", quant.ErrShape, len(perm), sizeK)
	}
	if gIdx != nil && len(gIdx) != sizeK {
		return tensor.Mat{}, fmt.Errorf("%w: g_idx has %d entries, want %d", quant.ErrShape, len(gIdx), sizeK)
	}
	chunks := 1
	if !isKFull {
		chunks = 2
	}
	return gemm(a, p, scales, gIdx, perm, workspace, sizeM, sizeN, sizeK, chunks)
}

func gemm(a *tensor.Mat, p *Packed, scales []float32, gIdx, perm []int32, workspace []float32, sizeM, sizeN, sizeK, chunks int) (tensor.Mat, error) {
	if err := p.Validate(); err != nil {
		return tensor.Mat{}, err
	}
	if a.R != sizeM || a.C != sizeK || p.K != sizeK || p.N != sizeN {
		return tensor.Mat{}, fmt.Errorf("%w: a is %dx%d, weight %dx%d, call says m=%d n=%d k=%d",
			quant.ErrShape, a.R, a.C, p.K, p.N, sizeM, sizeN, sizeK)
	}
	groupSize, err := checkScales(scales, sizeN, sizeK)
	if err != nil {
		return tensor.Mat{}, err
	}
	if gIdx != nil {
		numGroups := sizeK / groupSize
		for k, g := range gIdx {
			if g < 0 || int(g) >= numGroups {
				return tensor.Mat{}, fmt.Errorf("%w: g_idx[%d]=%d outside %d groups", quant.ErrShape, k, g, numGroups)
			}
		}
	}
	if err := checkWorkspace(workspace, sizeM, sizeN); err != nil {
		return tensor.Mat{}, err
	}

	mid := uint8(1) << (p.Bits - 1)
	out := tensor.NewMat(sizeM, sizeN)
	acc := workspace[:sizeM*sizeN]
	row := make([]float32, sizeN)

	kPerChunk := (sizeK + chunks - 1) / chunks
	for c := 0; c < chunks; c++ {
		k0 := c * kPerChunk
		kMax := min(k0+kPerChunk, sizeK)
		clear(acc)
		for s := k0; s < kMax; s++ {
			ch := s
			if perm != nil {
				ch = int(perm[s])
			}
			g := ch / groupSize
			if gIdx != nil {
				g = int(gIdx[ch])
			}
			scaleRow := scales[g*sizeN : (g+1)*sizeN]
			for n := 0; n < sizeN; n++ {
				row[n] = quant.DequantAffine(p.codeAt(s, n), mid, scaleRow[n])
			}
			for m := 0; m < sizeM; m++ {
				x := a.At(m, ch)
				if x == 0 {
					continue
				}
				dst := acc[m*sizeN : (m+1)*sizeN]
				for n := range dst {
					dst[n] += x * row[n]
				}
			}
		}
		for i, v := range acc {
			mRow := i / sizeN
			out.Data[mRow*out.Stride+i%sizeN] += v
		}
	}
	return out, nil
}

// Dequant reconstructs the dense weight in natural channel order for a
// weight repacked without a permutation.
func (p *Packed) Dequant(scales []float32) (tensor.Mat, error) {
	if err := p.Validate(); err != nil {
		return tensor.Mat{}, err
	}
	groupSize, err := checkScales(scales, p.N, p.K)
	if err != nil {
		return tensor.Mat{}, err
	}
	mid := uint8(1) << (p.Bits - 1)
	out := tensor.NewMat(p.K, p.N)
	parallel.RowRange(p.K, func(rs, re int) {
		for k := rs; k < re; k++ {
			scaleRow := scales[(k/groupSize)*p.N : (k/groupSize+1)*p.N]
			dst := out.Data[k*out.Stride : (k+1)*out.Stride]
			for n := 0; n < p.N; n++ {
				dst[n] = quant.DequantAffine(p.codeAt(k, n), mid, scaleRow[n])
			}
		}
	})
	return out, nil
}

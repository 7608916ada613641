package moe

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ewof/aphrodite-engine/internal/parallel"
	"github.com/ewof/aphrodite-engine/pkg/quant"
	"github.com/ewof/aphrodite-engine/pkg/tensor"
)

// WeightFunc produces the dense [K, N] weight of one expert. Kernels pass
// a closure that dequantizes their packed expert weight on demand.
type WeightFunc func(expert int32) (*tensor.Mat, error)

// GroupGemm runs the routed GEMM: for every tile block, the tokens of the
// block multiply the block expert's weight; each routed row is optionally
// scaled by its top-k weight and accumulated into its original token's
// output row. Padding slots are skipped entirely.
//
// a is [numTokens, K]; the result is [numTokens, N]. The output is fully
// overwritten.
func GroupGemm(a *tensor.Mat, r *Routing, numExperts int, weightFor WeightFunc, mulWeights bool) (tensor.Mat, error) {
	if err := r.Validate(numExperts, a.R); err != nil {
		return tensor.Mat{}, err
	}
	if mulWeights && r.TopKWeights == nil {
		return tensor.Mat{}, fmt.Errorf("%w: weight multiply requested without topk weights", quant.ErrRouting)
	}

	// Dequantize each referenced expert once, before the parallel phase.
	weights := make(map[int32]*tensor.Mat)
	var n int
	for _, e := range r.UsedExperts() {
		w, err := weightFor(e)
		if err != nil {
			return tensor.Mat{}, err
		}
		if w.R != a.C {
			return tensor.Mat{}, fmt.Errorf("%w: expert %d weight is %dx%d, want K=%d rows",
				quant.ErrShape, e, w.R, w.C, a.C)
		}
		if n == 0 {
			n = w.C
		} else if w.C != n {
			return tensor.Mat{}, fmt.Errorf("%w: expert %d width %d differs from %d",
				quant.ErrShape, e, w.C, n)
		}
		weights[e] = w
	}

	numBlocks := r.NumBlocks()
	padded := int(r.NumTokensPostPadded)

	// Phase one: each block is an independent work item; rows land in a
	// per-slot scratch area so blocks never share mutable state.
	slotRows := make([]float32, padded*n)
	var g errgroup.Group
	g.SetLimit(parallel.Workers())
	for b := 0; b < numBlocks; b++ {
		g.Go(func() error {
			w := weights[r.ExpertIDs[b]]
			xRow := make([]float32, a.C)
			for s := b * r.BlockSize; s < (b+1)*r.BlockSize; s++ {
				id := r.SortedTokenIDs[s]
				if id == PadSentinel {
					continue
				}
				token := int(id) / r.TopK
				a.RowTo(xRow, token)
				dst := slotRows[s*n : (s+1)*n]
				rowTimesMat(dst, xRow, w)
				if mulWeights {
					scale := r.TopKWeights[id]
					for j := range dst {
						dst[j] *= scale
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return tensor.Mat{}, err
	}

	// Phase two: serial scatter-add back to original token order. Slots
	// routed to the same token (top-k > 1) accumulate.
	out := tensor.NewMat(a.R, n)
	for s := 0; s < padded; s++ {
		id := r.SortedTokenIDs[s]
		if id == PadSentinel {
			continue
		}
		token := int(id) / r.TopK
		dst := out.Data[token*out.Stride : token*out.Stride+n]
		src := slotRows[s*n : (s+1)*n]
		for j := range dst {
			dst[j] += src[j]
		}
	}
	return out, nil
}

// rowTimesMat computes dst = x × w for a dense [K, N] weight.
func rowTimesMat(dst, x []float32, w *tensor.Mat) {
	clear(dst)
	for k, xv := range x {
		if xv == 0 {
			continue
		}
		row := w.Data[k*w.Stride : k*w.Stride+w.C]
		for j := range dst {
			dst[j] += xv * row[j]
		}
	}
}

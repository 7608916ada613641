// Package moe implements the token-routed ("grouped") execution layer
// shared by the expert-capable quantized GEMM kernels. Tokens arrive
// pre-sorted into contiguous per-expert blocks, each padded to a tile
// boundary; the executor runs one GEMM per block against that block's
// expert weight and scatters results back to original token order.
package moe

import (
	"fmt"

	"github.com/ewof/aphrodite-engine/pkg/quant"
)

// PadSentinel marks a slot that only exists to fill a tile. Padding rows
// must contribute nothing to any real token's output.
const PadSentinel int32 = -1

// Routing carries the metadata produced by the external token sorter.
//
// SortedTokenIDs index a flattened (token, k) space of size
// numTokens*TopK: entry id maps to original token id/TopK. TopKWeights is
// indexed the same way and is only consulted when a kernel is invoked
// with weight multiplication enabled.
type Routing struct {
	TopK                int
	BlockSize           int
	TopKWeights         []float32
	SortedTokenIDs      []int32
	ExpertIDs           []int32
	NumTokensPostPadded int32
}

// NumBlocks returns the number of expert tile blocks.
func (r *Routing) NumBlocks() int {
	if r.BlockSize <= 0 {
		return 0
	}
	return int(r.NumTokensPostPadded) / r.BlockSize
}

// Validate checks the routing metadata against the expert and token
// counts. Any out-of-range expert or token reference is fatal; it is
// never clamped.
func (r *Routing) Validate(numExperts, numTokens int) error {
	if r.TopK <= 0 {
		return fmt.Errorf("%w: topk %d", quant.ErrRouting, r.TopK)
	}
	if r.BlockSize <= 0 {
		return fmt.Errorf("%w: block size %d", quant.ErrRouting, r.BlockSize)
	}
	padded := int(r.NumTokensPostPadded)
	if padded%r.BlockSize != 0 {
		return fmt.Errorf("%w: padded count %d not a multiple of block size %d",
			quant.ErrRouting, padded, r.BlockSize)
	}
	if padded > len(r.SortedTokenIDs) {
		return fmt.Errorf("%w: padded count %d exceeds %d sorted ids",
			quant.ErrRouting, padded, len(r.SortedTokenIDs))
	}
	numBlocks := padded / r.BlockSize
	if len(r.ExpertIDs) < numBlocks {
		return fmt.Errorf("%w: %d expert ids for %d blocks",
			quant.ErrRouting, len(r.ExpertIDs), numBlocks)
	}
	for b := 0; b < numBlocks; b++ {
		if e := r.ExpertIDs[b]; e < 0 || int(e) >= numExperts {
			return fmt.Errorf("%w: block %d references expert %d of %d",
				quant.ErrRouting, b, e, numExperts)
		}
	}

	routed := numTokens * r.TopK
	seen := make([]bool, routed)
	real := 0
	for i := 0; i < padded; i++ {
		id := r.SortedTokenIDs[i]
		if id == PadSentinel {
			continue
		}
		if id < 0 || int(id) >= routed {
			return fmt.Errorf("%w: sorted id %d outside [0,%d)", quant.ErrRouting, id, routed)
		}
		if seen[id] {
			return fmt.Errorf("%w: sorted id %d appears twice", quant.ErrRouting, id)
		}
		seen[id] = true
		real++
	}
	if real != routed {
		return fmt.Errorf("%w: %d routed rows present, want %d", quant.ErrRouting, real, routed)
	}
	if r.TopKWeights != nil && len(r.TopKWeights) < routed {
		return fmt.Errorf("%w: %d topk weights for %d routed rows",
			quant.ErrRouting, len(r.TopKWeights), routed)
	}
	return nil
}

// UsedExperts returns the distinct experts referenced by the blocks, in
// first-use order.
func (r *Routing) UsedExperts() []int32 {
	numBlocks := r.NumBlocks()
	seen := map[int32]bool{}
	var out []int32
	for b := 0; b < numBlocks; b++ {
		e := r.ExpertIDs[b]
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

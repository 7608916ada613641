package gptq

import (
	"fmt"

	"github.com/ewof/aphrodite-engine/pkg/moe"
	"github.com/ewof/aphrodite-engine/pkg/quant"
	"github.com/ewof/aphrodite-engine/pkg/tensor"
)

// GroupGemm is the mixture-of-experts variant of Gemm: every routed tile
// block multiplies against its expert's weight, and results scatter back
// to original token order, optionally scaled by the routing weights. All
// expert weights must share geometry and shuffle state.
func GroupGemm(a *tensor.Mat, experts []*Weight, r *moe.Routing, mulWeights, useExllama bool) (tensor.Mat, error) {
	if len(experts) == 0 {
		return tensor.Mat{}, fmt.Errorf("%w: no expert weights", quant.ErrShape)
	}
	for i, w := range experts {
		if err := w.checkPath(useExllama); err != nil {
			return tensor.Mat{}, fmt.Errorf("expert %d: %w", i, err)
		}
		if w.K != experts[0].K || w.N != experts[0].N {
			return tensor.Mat{}, fmt.Errorf("%w: expert %d is %dx%d, expert 0 is %dx%d",
				quant.ErrShape, i, w.K, w.N, experts[0].K, experts[0].N)
		}
	}
	return moe.GroupGemm(a, r, len(experts), func(e int32) (*tensor.Mat, error) {
		dense, err := experts[e].Dequant(useExllama)
		if err != nil {
			return nil, err
		}
		return &dense, nil
	}, mulWeights)
}

package gptq

import (
	"fmt"

	"github.com/ewof/aphrodite-engine/internal/parallel"
	"github.com/ewof/aphrodite-engine/pkg/quant"
	"github.com/ewof/aphrodite-engine/pkg/tensor"
)

// K rows are dequantized in tiles of this size so the kernel never
// materializes the full dense weight.
const kTile = 32

// Shuffle permutes the weight's K rows so that destination row i holds
// source row qPerm[i], repacking the codes in place. It is the required
// precondition for the fast GEMM path and is order-sensitive: running it
// on already-shuffled data would scramble the weight, so a second call is
// rejected. Callers that do not use activation ordering pass the identity
// permutation.
func (w *Weight) Shuffle(qPerm []int32) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if w.perm != nil {
		return fmt.Errorf("%w: weight already shuffled", quant.ErrConfig)
	}
	if qPerm == nil {
		qPerm = make([]int32, w.K)
		for i := range qPerm {
			qPerm[i] = int32(i)
		}
	}
	if len(qPerm) != w.K {
		return fmt.Errorf("%w: perm has %d entries, want %d", quant.ErrShape, len(qPerm), w.K)
	}
	seen := make([]bool, w.K)
	for _, p := range qPerm {
		if p < 0 || int(p) >= w.K || seen[p] {
			return fmt.Errorf("%w: q_perm is not a permutation of [0,%d)", quant.ErrShape, w.K)
		}
		seen[p] = true
	}

	shuffled := make([]uint32, len(w.QWeight))
	for i := 0; i < w.K; i++ {
		src := int(qPerm[i])
		for n := 0; n < w.N; n++ {
			quant.ColSetCode(shuffled, w.N, n, i, w.Bits, quant.ColCodeAt(w.QWeight, w.N, n, src, w.Bits))
		}
	}
	copy(w.QWeight, shuffled)
	w.perm = append([]int32(nil), qPerm...)
	return nil
}

// Dequant reconstructs the dense [K, N] weight in natural channel order,
// regardless of whether the weight has been shuffled. useExllama selects
// the path to exercise and must match the weight's shuffle state.
func (w *Weight) Dequant(useExllama bool) (tensor.Mat, error) {
	if err := w.checkPath(useExllama); err != nil {
		return tensor.Mat{}, err
	}
	out := tensor.NewMat(w.K, w.N)
	inv := w.invPerm()
	parallel.RowRange(w.K, func(rs, re int) {
		for k := rs; k < re; k++ {
			stored := k
			if inv != nil {
				stored = int(inv[k])
			}
			w.dequantRow(out.Data[k*out.Stride:(k+1)*out.Stride], k, stored)
		}
	})
	return out, nil
}

// dequantRow writes the dense row for natural channel k, whose codes live
// at stored row `stored` (they differ once the weight is shuffled).
func (w *Weight) dequantRow(dst []float32, k, stored int) {
	g := w.group(k)
	scaleRow := w.Scales[g*w.N : (g+1)*w.N]
	for n := 0; n < w.N; n++ {
		code := quant.ColCodeAt(w.QWeight, w.N, n, stored, w.Bits)
		dst[n] = quant.DequantAffine(code, w.zero(g, n), scaleRow[n])
	}
}

// invPerm returns the stored-row index per natural channel, or nil for an
// unshuffled weight.
func (w *Weight) invPerm() []int32 {
	if w.perm == nil {
		return nil
	}
	inv := make([]int32, w.K)
	for i, p := range w.perm {
		inv[p] = int32(i)
	}
	return inv
}

func (w *Weight) checkPath(useExllama bool) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if useExllama && w.perm == nil {
		return fmt.Errorf("%w: exllama path requires Shuffle first", quant.ErrConfig)
	}
	if !useExllama && w.perm != nil {
		return fmt.Errorf("%w: shuffled weight requires the exllama path", quant.ErrConfig)
	}
	return nil
}

// Gemm computes out = a × dequant(w) for dense activations a of shape
// [M, K]. The fast path walks the shuffled weight in stored order and
// gathers activation channels through the shuffle permutation; the
// fallback path reads natural order through g_idx. Both paths produce the
// same result for the same logical weight.
func (w *Weight) Gemm(a *tensor.Mat, useExllama bool) (tensor.Mat, error) {
	if err := w.checkPath(useExllama); err != nil {
		return tensor.Mat{}, err
	}
	if a.C != w.K {
		return tensor.Mat{}, fmt.Errorf("%w: a is %dx%d, weight k=%d", quant.ErrShape, a.R, a.C, w.K)
	}

	out := tensor.NewMat(a.R, w.N)
	tile := make([]float32, kTile*w.N)
	xcol := make([]int, kTile)

	for k0 := 0; k0 < w.K; k0 += kTile {
		kMax := min(k0+kTile, w.K)
		rows := kMax - k0
		for i := 0; i < rows; i++ {
			stored := k0 + i
			var channel int
			if useExllama {
				channel = int(w.perm[stored])
			} else {
				channel = stored
			}
			xcol[i] = channel
			g := w.group(channel)
			scaleRow := w.Scales[g*w.N : (g+1)*w.N]
			dst := tile[i*w.N : (i+1)*w.N]
			for n := 0; n < w.N; n++ {
				code := quant.ColCodeAt(w.QWeight, w.N, n, stored, w.Bits)
				dst[n] = quant.DequantAffine(code, w.zero(g, n), scaleRow[n])
			}
		}

		parallel.RowRange(a.R, func(rs, re int) {
			for m := rs; m < re; m++ {
				cRow := out.Data[m*out.Stride : m*out.Stride+w.N]
				aRow := a.Row(m)
				for i := 0; i < rows; i++ {
					x := aRow[xcol[i]]
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
	return out, nil
}

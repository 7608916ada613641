package marlin

import (
	"fmt"

	"github.com/ewof/aphrodite-engine/pkg/quant"
	"github.com/ewof/aphrodite-engine/pkg/tensor"
)

// Sparse24Weight is a 2:4 structured-sparse [K, N] weight: every aligned
// run of four input channels carries exactly two live values per column.
//
// Codes packs the live values only, column-strided over K/2 compressed
// rows (word w of column n at Codes[w*N+n]). Meta selects the live lanes:
// byte (q, n) at Meta[q*N+n] holds the first lane in bits 0-1 and the
// second in bits 2-3, first strictly below second. Scales is
// [numGroups, N] with symmetric dequantization (code - mid) * scale.
type Sparse24Weight struct {
	Codes     []uint32
	Meta      []uint8
	Scales    []float32
	Bits      int
	GroupSize int
	K, N      int
}

// Validate checks geometry and the lane selectors.
func (w *Sparse24Weight) Validate() error {
	if err := checkBits(w.Bits); err != nil {
		return err
	}
	if w.K <= 0 || w.K%4 != 0 || w.N <= 0 {
		return fmt.Errorf("%w: k=%d must be a positive multiple of 4, n=%d", quant.ErrShape, w.K, w.N)
	}
	numGroups, err := quant.ValidateGroups(w.K, w.GroupSize)
	if err != nil {
		return err
	}
	if want := quant.PackedWords(w.K/2, w.Bits) * w.N; len(w.Codes) != want {
		return fmt.Errorf("%w: codes has %d words, want %d", quant.ErrShape, len(w.Codes), want)
	}
	if want := (w.K / 4) * w.N; len(w.Meta) != want {
		return fmt.Errorf("%w: meta has %d bytes, want %d", quant.ErrShape, len(w.Meta), want)
	}
	if want := numGroups * w.N; len(w.Scales) != want {
		return fmt.Errorf("%w: scales has %d values, want %d", quant.ErrShape, len(w.Scales), want)
	}
	for i, b := range w.Meta {
		lo, hi := b&3, (b>>2)&3
		if lo >= hi {
			return fmt.Errorf("%w: meta[%d]=0x%x does not name two ascending lanes", quant.ErrShape, i, b)
		}
	}
	return nil
}

func (w *Sparse24Weight) groupOf(k int) int {
	gs := w.GroupSize
	if gs == -1 {
		gs = w.K
	}
	return k / gs
}

// Dequant reconstructs the dense [K, N] weight, zeros included.
func (w *Sparse24Weight) Dequant() (tensor.Mat, error) {
	if err := w.Validate(); err != nil {
		return tensor.Mat{}, err
	}
	mid := uint8(1) << (w.Bits - 1)
	out := tensor.NewMat(w.K, w.N)
	for q := 0; q < w.K/4; q++ {
		for n := 0; n < w.N; n++ {
			b := w.Meta[q*w.N+n]
			lanes := [2]int{int(b & 3), int((b >> 2) & 3)}
			for s, lane := range lanes {
				k := q*4 + lane
				scale := w.Scales[w.groupOf(k)*w.N+n]
				code := quant.ColCodeAt(w.Codes, w.N, n, q*2+s, w.Bits)
				out.Data[k*out.Stride+n] = quant.DequantAffine(code, mid, scale)
			}
		}
	}
	return out, nil
}

// Sparse24Gemm computes out = a × dequant(w), touching only the live
// lanes. workspace holds the accumulation buffer; prior contents are
// ignored.
func Sparse24Gemm(a *tensor.Mat, w *Sparse24Weight, workspace []float32, numBits, sizeM, sizeN, sizeK int) (tensor.Mat, error) {
	if err := w.Validate(); err != nil {
		return tensor.Mat{}, err
	}
	if w.Bits != numBits {
		return tensor.Mat{}, fmt.Errorf("%w: weight packed at %d bits, call says %d", quant.ErrConfig, w.Bits, numBits)
	}
	if a.R != sizeM || a.C != sizeK || w.K != sizeK || w.N != sizeN {
		return tensor.Mat{}, fmt.Errorf("%w: a is %dx%d, weight %dx%d, call says m=%d n=%d k=%d",
			quant.ErrShape, a.R, a.C, w.K, w.N, sizeM, sizeN, sizeK)
	}
	if err := checkWorkspace(workspace, sizeM, sizeN); err != nil {
		return tensor.Mat{}, err
	}

	mid := uint8(1) << (w.Bits - 1)
	acc := workspace[:sizeM*sizeN]
	clear(acc)
	act := a.Dense()

	for q := 0; q < sizeK/4; q++ {
		for s := 0; s < 2; s++ {
			// Lane membership varies per column, so the gathered activation
			// varies per column too; accumulate column-wise.
			for n := 0; n < sizeN; n++ {
				b := w.Meta[q*sizeN+n]
				lane := int(b & 3)
				if s == 1 {
					lane = int((b >> 2) & 3)
				}
				k := q*4 + lane
				scale := w.Scales[w.groupOf(k)*sizeN+n]
				code := quant.ColCodeAt(w.Codes, sizeN, n, q*2+s, w.Bits)
				v := quant.DequantAffine(code, mid, scale)
				for m := 0; m < sizeM; m++ {
					acc[m*sizeN+n] += act.Data[m*act.Stride+k] * v
				}
			}
		}
	}

	out := tensor.NewMat(sizeM, sizeN)
	copy(out.Data, acc)
	return out, nil
}

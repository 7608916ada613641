package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/urfave/cli/v3"

	"github.com/ewof/aphrodite-engine/pkg/moe"
	"github.com/ewof/aphrodite-engine/pkg/quant"
	"github.com/ewof/aphrodite-engine/pkg/quant/awq"
	"github.com/ewof/aphrodite-engine/pkg/quant/fp8"
	"github.com/ewof/aphrodite-engine/pkg/quant/gptq"
	"github.com/ewof/aphrodite-engine/pkg/quant/marlin"
	"github.com/ewof/aphrodite-engine/pkg/quant/squeezellm"
	"github.com/ewof/aphrodite-engine/pkg/quant/w8a8"
	"github.com/ewof/aphrodite-engine/pkg/tensor"
)

// A selfCheck exercises one numerical property of a format on small
// random inputs and fails loudly when it does not hold.
type selfCheck struct {
	Name string
	Run  func() error
}

func selftestCmd() *cli.Command {
	return &cli.Command{
		Name:  "selftest",
		Usage: "Run per-format numerical property checks",
		Flags: loggingFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := newLogger()
			failed := 0
			for _, c := range selfChecks() {
				if err := c.Run(); err != nil {
					log.Error("check failed", "check", c.Name, "err", err)
					failed++
					continue
				}
				log.Info("check passed", "check", c.Name)
			}
			if failed > 0 {
				return cli.Exit(fmt.Sprintf("%d checks failed", failed), 1)
			}
			return nil
		},
	}
}

func selfChecks() []selfCheck {
	return []selfCheck{
		{Name: "pack/round-trip", Run: checkPackRoundTrip},
		{Name: "gptq/paths-agree", Run: checkGptqPaths},
		{Name: "awq/split-k", Run: checkAwqSplitK},
		{Name: "marlin/repack-invertible", Run: checkMarlinRepack},
		{Name: "squeezellm/gemv", Run: checkSqueezeLLM},
		{Name: "w8a8/zero-row", Run: checkInt8ZeroRow},
		{Name: "fp8/saturation", Run: checkFP8Saturation},
		{Name: "moe/routed-equivalence", Run: checkRoutedEquivalence},
	}
}

func worstDiff(a, b []float32) float64 {
	var worst float64
	for i := range a {
		if d := math.Abs(float64(a[i] - b[i])); d > worst {
			worst = d
		}
	}
	return worst
}

func checkPackRoundTrip() error {
	rng := rand.New(rand.NewSource(1))
	for _, bits := range []int{2, 3, 4, 8} {
		codes := make([]uint8, 97)
		for i := range codes {
			codes[i] = uint8(rng.Intn(int(quant.MaxCode(bits)) + 1))
		}
		words, err := quant.PackCodes(codes, bits)
		if err != nil {
			return err
		}
		back, err := quant.UnpackCodes(words, bits, len(codes))
		if err != nil {
			return err
		}
		for i := range codes {
			if back[i] != codes[i] {
				return fmt.Errorf("bits=%d code %d: %d != %d", bits, i, back[i], codes[i])
			}
		}
	}
	return nil
}

func randomGptq(rng *rand.Rand, bits, groupSize, k, n int) (*gptq.Weight, error) {
	numGroups := k / groupSize
	codes := make([]uint8, k*n)
	for i := range codes {
		codes[i] = uint8(rng.Intn(int(quant.MaxCode(bits)) + 1))
	}
	zeros := make([]uint8, numGroups*n)
	for i := range zeros {
		zeros[i] = uint8(rng.Intn(int(quant.MaxCode(bits)) + 1))
	}
	scales := make([]float32, numGroups*n)
	for i := range scales {
		scales[i] = rng.Float32()*0.1 + 0.01
	}
	return gptq.Encode(codes, zeros, scales, nil, bits, groupSize, k, n)
}

func checkGptqPaths() error {
	rng := rand.New(rand.NewSource(2))
	const k, n = 64, 16
	fast, err := randomGptq(rng, 4, 16, k, n)
	if err != nil {
		return err
	}
	slow, err := randomGptq(rand.New(rand.NewSource(2)), 4, 16, k, n)
	if err != nil {
		return err
	}
	if err := fast.Shuffle(nil); err != nil {
		return err
	}
	a := tensor.NewMat(3, k)
	tensor.FillRand(&a, 3)
	outFast, err := fast.Gemm(&a, true)
	if err != nil {
		return err
	}
	outSlow, err := slow.Gemm(&a, false)
	if err != nil {
		return err
	}
	if d := worstDiff(outFast.Data, outSlow.Data); d > 1e-4 {
		return fmt.Errorf("exllama and fallback disagree by %v", d)
	}
	return nil
}

func checkAwqSplitK() error {
	rng := rand.New(rand.NewSource(4))
	const k, n, groupSize = 64, 16, 16
	numGroups := k / groupSize
	codes := make([]uint8, k*n)
	for i := range codes {
		codes[i] = uint8(rng.Intn(16))
	}
	zeros := make([]uint8, numGroups*n)
	scales := make([]float32, numGroups*n)
	for i := range scales {
		zeros[i] = 8
		scales[i] = 0.05
	}
	w, err := awq.Encode(codes, zeros, scales, groupSize, k, n)
	if err != nil {
		return err
	}
	a := tensor.NewMat(2, k)
	tensor.FillRand(&a, 5)
	base, err := w.Gemm(&a, 1)
	if err != nil {
		return err
	}
	split, err := w.Gemm(&a, 4)
	if err != nil {
		return err
	}
	if d := worstDiff(base.Data, split.Data); d > 1e-4 {
		return fmt.Errorf("split_k_iters changes the result by %v", d)
	}
	return nil
}

func checkMarlinRepack() error {
	rng := rand.New(rand.NewSource(6))
	const k, n = 32, 16
	codes := make([]uint8, k*n)
	for i := range codes {
		codes[i] = uint8(rng.Intn(16))
	}
	words := make([]uint32, quant.PackedWords(k, 4)*n)
	for kk := 0; kk < k; kk++ {
		for nn := 0; nn < n; nn++ {
			quant.ColSetCode(words, n, nn, kk, 4, codes[kk*n+nn])
		}
	}
	p, err := marlin.Repack(words, nil, k, n, 4)
	if err != nil {
		return err
	}
	scales := make([]float32, n)
	for i := range scales {
		scales[i] = 1
	}
	dense, err := p.Dequant(scales)
	if err != nil {
		return err
	}
	for kk := 0; kk < k; kk++ {
		for nn := 0; nn < n; nn++ {
			want := float32(codes[kk*n+nn]) - 8
			if got := dense.Data[kk*dense.Stride+nn]; got != want {
				return fmt.Errorf("(%d,%d): %v != %v", kk, nn, got, want)
			}
		}
	}
	return nil
}

func checkSqueezeLLM() error {
	rng := rand.New(rand.NewSource(7))
	const k, n = 32, 8
	codes := make([]uint8, k*n)
	for i := range codes {
		codes[i] = uint8(rng.Intn(squeezellm.LUTSize))
	}
	lut := make([]float32, n*squeezellm.LUTSize)
	for i := range lut {
		lut[i] = rng.Float32() - 0.5
	}
	w, err := squeezellm.Encode(codes, lut, k, n)
	if err != nil {
		return err
	}
	vec := make([]float32, k)
	for i := range vec {
		vec[i] = rng.Float32() - 0.5
	}
	mul := make([]float32, n)
	if err := w.Gemv(vec, mul); err != nil {
		return err
	}
	for nn := 0; nn < n; nn++ {
		var want float32
		for kk := 0; kk < k; kk++ {
			want += vec[kk] * lut[nn*squeezellm.LUTSize+int(codes[kk*n+nn])]
		}
		if d := math.Abs(float64(mul[nn] - want)); d > 1e-4 {
			return fmt.Errorf("col %d off by %v", nn, d)
		}
	}
	return nil
}

func checkInt8ZeroRow() error {
	input := tensor.NewMat(2, 8)
	for j := 0; j < 8; j++ {
		input.Data[8+j] = float32(j) * 0.1
	}
	out := w8a8.NewInt8Mat(2, 8)
	scales := make([]float32, 2)
	if err := w8a8.DynamicScaledInt8Quant(&out, &input, scales); err != nil {
		return err
	}
	if scales[0] != 1 {
		return fmt.Errorf("zero row got scale %v, want 1", scales[0])
	}
	for j := 0; j < 8; j++ {
		if out.Data[j] != 0 {
			return fmt.Errorf("zero row quantized to %d at %d", out.Data[j], j)
		}
	}
	return nil
}

func checkFP8Saturation() error {
	if got := fp8.Decode(fp8.Encode(1e9)); got != fp8.MaxValue {
		return fmt.Errorf("overflow decodes to %v, want %v", got, float32(fp8.MaxValue))
	}
	if got := fp8.Decode(fp8.Encode(-1e9)); got != -fp8.MaxValue {
		return fmt.Errorf("negative overflow decodes to %v", got)
	}
	return nil
}

func checkRoutedEquivalence() error {
	rng := rand.New(rand.NewSource(9))
	const numTokens, k, n = 8, 32, 8
	a := tensor.NewMat(numTokens, k)
	tensor.FillRand(&a, 10)

	experts := make([]*gptq.Weight, 2)
	var err error
	for e := range experts {
		if experts[e], err = randomGptq(rng, 4, 8, k, n); err != nil {
			return err
		}
	}
	r := &moe.Routing{
		TopK:                1,
		BlockSize:           4,
		TopKWeights:         []float32{1, 1, 1, 1, 1, 1, 1, 1},
		SortedTokenIDs:      []int32{0, 1, 2, 3, 4, 5, 6, 7},
		ExpertIDs:           []int32{0, 1},
		NumTokensPostPadded: 8,
	}
	routed, err := gptq.GroupGemm(&a, experts, r, true, false)
	if err != nil {
		return err
	}
	for e := 0; e < 2; e++ {
		plain, err := experts[e].Gemm(&a, false)
		if err != nil {
			return err
		}
		for token := e * 4; token < (e+1)*4; token++ {
			for j := 0; j < n; j++ {
				got := routed.Data[token*routed.Stride+j]
				want := plain.Data[token*plain.Stride+j]
				if math.Abs(float64(got-want)) > 1e-4 {
					return fmt.Errorf("token %d col %d: routed %v plain %v", token, j, got, want)
				}
			}
		}
	}
	return nil
}

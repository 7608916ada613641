package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/ewof/aphrodite-engine/pkg/quant"
	"github.com/ewof/aphrodite-engine/pkg/quant/awq"
	"github.com/ewof/aphrodite-engine/pkg/quant/gptq"
	"github.com/ewof/aphrodite-engine/pkg/quant/marlin"
	"github.com/ewof/aphrodite-engine/pkg/quant/w8a8"
	"github.com/ewof/aphrodite-engine/pkg/tensor"
)

// BenchConfig is the optional yaml benchmark configuration.
type BenchConfig struct {
	M       int      `yaml:"m" json:"m"`
	N       int      `yaml:"n" json:"n"`
	K       int      `yaml:"k" json:"k"`
	Runs    int      `yaml:"runs" json:"runs"`
	Warmup  int      `yaml:"warmup" json:"warmup"`
	Kernels []string `yaml:"kernels" json:"kernels"`
}

func defaultBenchConfig() BenchConfig {
	return BenchConfig{
		M:       16,
		N:       256,
		K:       512,
		Runs:    5,
		Warmup:  1,
		Kernels: []string{"gptq", "awq", "marlin", "w8a8"},
	}
}

type benchResult struct {
	Kernel string  `json:"kernel"`
	Runs   int     `json:"runs"`
	MeanMS float64 `json:"mean_ms"`
	BestMS float64 `json:"best_ms"`
	GFLOPS float64 `json:"gflops"`
	Shape  string  `json:"shape"`
}

type benchReport struct {
	RunID    string        `json:"run_id"`
	Started  time.Time     `json:"started"`
	Arch     string        `json:"arch"`
	CPUs     int           `json:"cpus"`
	Results  []benchResult `json:"results"`
	Duration string        `json:"duration"`
}

func benchCmd() *cli.Command {
	var configPath string

	flags := append(loggingFlags(),
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "path to yaml benchmark config",
			Destination: &configPath,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Time the quantized GEMM kernels",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := newLogger()

			cfg := defaultBenchConfig()
			if configPath != "" {
				raw, err := os.ReadFile(configPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: read config: %v", err), 1)
				}
				if err := yaml.Unmarshal(raw, &cfg); err != nil {
					return cli.Exit(fmt.Sprintf("error: parse config: %v", err), 1)
				}
			}

			report := benchReport{
				RunID:   uuid.NewString(),
				Started: time.Now().UTC(),
				Arch:    runtime.GOARCH,
				CPUs:    runtime.NumCPU(),
			}
			start := time.Now()

			for _, name := range cfg.Kernels {
				log.Info("benchmarking", "kernel", name, "m", cfg.M, "n", cfg.N, "k", cfg.K)
				res, err := runKernelBench(name, cfg)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: bench %s: %v", name, err), 1)
				}
				report.Results = append(report.Results, res)
			}
			report.Duration = time.Since(start).Round(time.Millisecond).String()

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

func runKernelBench(name string, cfg BenchConfig) (benchResult, error) {
	run, err := kernelRunner(name, cfg)
	if err != nil {
		return benchResult{}, err
	}
	for i := 0; i < cfg.Warmup; i++ {
		if err := run(); err != nil {
			return benchResult{}, err
		}
	}

	best := time.Duration(1<<62 - 1)
	var total time.Duration
	for i := 0; i < cfg.Runs; i++ {
		t0 := time.Now()
		if err := run(); err != nil {
			return benchResult{}, err
		}
		d := time.Since(t0)
		total += d
		if d < best {
			best = d
		}
	}

	mean := total / time.Duration(cfg.Runs)
	flops := 2 * float64(cfg.M) * float64(cfg.N) * float64(cfg.K)
	return benchResult{
		Kernel: name,
		Runs:   cfg.Runs,
		MeanMS: float64(mean) / float64(time.Millisecond),
		BestMS: float64(best) / float64(time.Millisecond),
		GFLOPS: flops / best.Seconds() / 1e9,
		Shape:  fmt.Sprintf("%dx%dx%d", cfg.M, cfg.K, cfg.N),
	}, nil
}

// kernelRunner builds one closed-over benchmark iteration for the named
// kernel at the configured shape.
func kernelRunner(name string, cfg BenchConfig) (func() error, error) {
	rng := rand.New(rand.NewSource(1))
	m, n, k := cfg.M, cfg.N, cfg.K
	a := tensor.NewMat(m, k)
	tensor.FillRand(&a, 1)

	switch name {
	case "gptq":
		w, err := benchGptqWeight(rng, k, n)
		if err != nil {
			return nil, err
		}
		return func() error {
			_, err := w.Gemm(&a, false)
			return err
		}, nil

	case "awq":
		w, err := benchAwqWeight(rng, k, n)
		if err != nil {
			return nil, err
		}
		return func() error {
			_, err := w.Gemm(&a, 1)
			return err
		}, nil

	case "marlin":
		p, scales, err := benchMarlinWeight(rng, k, n)
		if err != nil {
			return nil, err
		}
		ws := make([]float32, marlin.WorkspaceSize(m, n))
		return func() error {
			_, err := marlin.Gemm(&a, p, scales, ws, m, n, k)
			return err
		}, nil

	case "w8a8":
		qa := w8a8.NewInt8Mat(m, k)
		qb := w8a8.NewInt8Mat(k, n)
		for i := range qa.Data {
			qa.Data[i] = int8(rng.Intn(255) - 127)
		}
		for i := range qb.Data {
			qb.Data[i] = int8(rng.Intn(255) - 127)
		}
		aScales := make([]float32, m)
		bScales := make([]float32, n)
		for i := range aScales {
			aScales[i] = 0.01
		}
		for i := range bScales {
			bScales[i] = 0.01
		}
		out := tensor.NewMat(m, n)
		return func() error {
			return w8a8.ScaledMMDQ(&out, &qa, &qb, aScales, bScales)
		}, nil
	}
	return nil, fmt.Errorf("unknown kernel %q", name)
}

func benchGptqWeight(rng *rand.Rand, k, n int) (*gptq.Weight, error) {
	const groupSize = 128
	numGroups := k / groupSize
	codes := make([]uint8, k*n)
	for i := range codes {
		codes[i] = uint8(rng.Intn(16))
	}
	zeros := make([]uint8, numGroups*n)
	scales := make([]float32, numGroups*n)
	for i := range scales {
		zeros[i] = 8
		scales[i] = 0.02
	}
	return gptq.Encode(codes, zeros, scales, nil, 4, groupSize, k, n)
}

func benchAwqWeight(rng *rand.Rand, k, n int) (*awq.Weight, error) {
	const groupSize = 128
	numGroups := k / groupSize
	codes := make([]uint8, k*n)
	for i := range codes {
		codes[i] = uint8(rng.Intn(16))
	}
	zeros := make([]uint8, numGroups*n)
	scales := make([]float32, numGroups*n)
	for i := range scales {
		zeros[i] = 8
		scales[i] = 0.02
	}
	return awq.Encode(codes, zeros, scales, groupSize, k, n)
}

func benchMarlinWeight(rng *rand.Rand, k, n int) (*marlin.Packed, []float32, error) {
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
		return nil, nil, err
	}
	scales := make([]float32, (k/128)*n)
	for i := range scales {
		scales[i] = 0.02
	}
	return p, scales, nil
}

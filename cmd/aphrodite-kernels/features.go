package main

import (
	"context"
	"os"
	"runtime"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/ewof/aphrodite-engine/internal/cpufeat"
	"github.com/ewof/aphrodite-engine/pkg/quant"
)

type featureReport struct {
	Arch         string             `json:"arch"`
	CPUs         int                `json:"cpus"`
	Features     map[string]bool    `json:"features"`
	Int8DotFast  bool               `json:"int8_dot_fast"`
	Capabilities []quant.Capability `json:"capabilities"`
}

func buildFeatureReport() featureReport {
	return featureReport{
		Arch:         runtime.GOARCH,
		CPUs:         runtime.NumCPU(),
		Features:     cpufeat.Map(),
		Int8DotFast:  cpufeat.Int8DotFast(),
		Capabilities: quant.Capabilities(),
	}
}

func featuresCmd() *cli.Command {
	return &cli.Command{
		Name:  "features",
		Usage: "Dump CPU features and per-format availability",
		Flags: loggingFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(buildFeatureReport())
		},
	}
}

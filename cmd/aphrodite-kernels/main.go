package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/ewof/aphrodite-engine/internal/version"
)

func main() {
	app := &cli.Command{
		Name:  "aphrodite-kernels",
		Usage: "Quantized GEMM kernel suite CLI",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			featuresCmd(),
			selftestCmd(),
			benchCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Println("aphrodite-kernels " + version.String())
			if bt := version.Resolve().BuildTime; bt != "" {
				fmt.Println("built " + bt)
			}
			return nil
		},
	}
}

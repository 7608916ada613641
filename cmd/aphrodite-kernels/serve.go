package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		rps         float64
	)

	flags := append(loggingFlags(),
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.Float64Flag{
			Name:        "rate-limit",
			Usage:       "max requests per second",
			Value:       50,
			Destination: &rps,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve capability and benchmark queries over HTTP",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := newLogger()

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			e.Use(rateLimit(rate.Limit(rps)))

			e.GET("/v1/features", handleFeatures)
			e.GET("/v1/capabilities", handleCapabilities)
			e.GET("/v1/selftest", handleSelftest)
			e.POST("/v1/bench", handleBench)

			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

func rateLimit(limit rate.Limit) echo.MiddlewareFunc {
	limiter := rate.NewLimiter(limit, int(limit)+1)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !limiter.Allow() {
				return c.JSON(http.StatusTooManyRequests, map[string]any{
					"error": "rate limit exceeded",
				})
			}
			return next(c)
		}
	}
}

func handleFeatures(c *echo.Context) error {
	return c.JSON(http.StatusOK, buildFeatureReport())
}

func handleCapabilities(c *echo.Context) error {
	return c.JSON(http.StatusOK, buildFeatureReport().Capabilities)
}

type selftestResult struct {
	Check  string `json:"check"`
	Passed bool   `json:"passed"`
	Error  string `json:"error,omitempty"`
}

func handleSelftest(c *echo.Context) error {
	results := make([]selftestResult, 0, 8)
	allPassed := true
	for _, check := range selfChecks() {
		res := selftestResult{Check: check.Name, Passed: true}
		if err := check.Run(); err != nil {
			res.Passed = false
			res.Error = err.Error()
			allPassed = false
		}
		results = append(results, res)
	}
	status := http.StatusOK
	if !allPassed {
		status = http.StatusInternalServerError
	}
	return c.JSON(status, map[string]any{
		"passed":  allPassed,
		"results": results,
	})
}

func handleBench(c *echo.Context) error {
	cfg := defaultBenchConfig()
	if err := c.Bind(&cfg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
	}
	results := make([]benchResult, 0, len(cfg.Kernels))
	for _, name := range cfg.Kernels {
		res, err := runKernelBench(name, cfg)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
		}
		results = append(results, res)
	}
	return c.JSON(http.StatusOK, results)
}

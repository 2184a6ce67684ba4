// Satellite metadata pipeline: ingests metadata files from an input
// directory, processes them in batches and writes the results out.
// Settings come from the environment; flags override them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sat-pipeline/internal/config"
	"github.com/sat-pipeline/internal/logging"
	"github.com/sat-pipeline/internal/runner"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	flag.StringVar(&cfg.Paths.InputDir, "input", cfg.Paths.InputDir, "Directory to ingest metadata files from")
	flag.StringVar(&cfg.Paths.OutputDir, "output", cfg.Paths.OutputDir, "Directory processed records are written to")
	flag.StringVar(&cfg.Paths.DeadLetterDir, "deadletter", cfg.Paths.DeadLetterDir, "Directory for undeliverable records (empty disables)")
	flag.StringVar(&cfg.Paths.QuarantineDir, "quarantine", cfg.Paths.QuarantineDir, "Move malformed input here instead of deleting it")
	flag.StringVar(&cfg.Ingest.Pattern, "pattern", cfg.Ingest.Pattern, "Glob input file names must match")
	flag.IntVar(&cfg.Process.Workers, "workers", cfg.Process.Workers, "Parallel transformations")
	flag.IntVar(&cfg.Process.BatchSize, "batch-size", cfg.Process.BatchSize, "Max records per batch")
	flag.DurationVar(&cfg.Process.WaitCeiling, "wait-ceiling", cfg.Process.WaitCeiling, "Max time to wait for a batch before moving on")
	flag.StringVar(&cfg.Process.OverflowPolicy, "overflow", cfg.Process.OverflowPolicy, "Full output queue policy: drop, retry or deadletter")
	flag.StringVar(&cfg.Metrics.Addr, "metrics-addr", cfg.Metrics.Addr, "Serve Prometheus metrics on this address")
	flag.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "debug, info, warn or error")
	flag.BoolVar(&cfg.Logging.Development, "log-dev", cfg.Logging.Development, "Human-readable console logs")
	flag.Parse()

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Development = cfg.Logging.Development
	log, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runner.New(cfg, log).Run(ctx); err != nil {
		log.Error("pipeline exited with error", zap.Error(err))
		if errors.Is(err, runner.ErrShutdownTimeout) {
			return 3
		}
		return 1
	}
	return 0
}

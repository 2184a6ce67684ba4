// Package runner wires the ingestor, processing stage and writer together
// and owns their lifecycle.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sat-pipeline/internal/config"
	"github.com/sat-pipeline/internal/deadletter"
	"github.com/sat-pipeline/internal/ingest"
	"github.com/sat-pipeline/internal/logging"
	"github.com/sat-pipeline/internal/model"
	"github.com/sat-pipeline/internal/monitoring"
	"github.com/sat-pipeline/internal/progress"
	"github.com/sat-pipeline/internal/queue"
	"github.com/sat-pipeline/internal/worker"
	"github.com/sat-pipeline/internal/writer"
)

// ErrShutdownTimeout is returned when the stages do not join within
// Config.ShutdownBound after the stop signal.
var ErrShutdownTimeout = errors.New("pipeline did not shut down in time")

// Runner runs one pipeline.
type Runner struct {
	cfg *config.Config
	log *zap.Logger

	// Transformer replaces the simulated transformation when set.
	Transformer worker.Transformer
	// Stats receives the pipeline counters; a fresh set is used when nil.
	Stats *progress.Stats
	// Registry receives the pipeline metrics; a private registry is used when nil.
	Registry *prometheus.Registry
}

// New returns a Runner for cfg.
func New(cfg *config.Config, log *zap.Logger) *Runner {
	return &Runner{cfg: cfg, log: log}
}

// Run starts all stages and blocks until ctx is done and every stage has
// returned, or a stage fails. Cancelling ctx is the stop signal.
func (r *Runner) Run(ctx context.Context) error {
	cfg := r.cfg
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log := r.log.With(zap.String("run_id", uuid.NewString()))

	for _, dir := range []string{cfg.Paths.InputDir, cfg.Paths.OutputDir, cfg.Paths.QuarantineDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	out, err := openSinks(ctx, cfg, logging.Stage(log, "sink"))
	if err != nil {
		return err
	}
	closeSinks := func() {
		if err := out.Close(); err != nil {
			log.Warn("closing sinks", zap.Error(err))
		}
	}
	stagesRunning := false
	defer func() {
		if !stagesRunning {
			closeSinks()
		}
	}()

	var dead *deadletter.Store
	if cfg.Paths.DeadLetterDir != "" {
		if dead, err = deadletter.New(cfg.Paths.DeadLetterDir, logging.Stage(log, "deadletter")); err != nil {
			return err
		}
	}

	stats := r.Stats
	if stats == nil {
		stats = &progress.Stats{}
	}
	ingestQ := queue.New[model.Record](cfg.Ingest.QueueSize)
	outputQ := queue.New[model.Record](cfg.Process.QueueSize)
	depths := []progress.Depth{
		{Name: "ingest_queue", Len: ingestQ.Len},
		{Name: "output_queue", Len: outputQ.Len},
	}

	reg := r.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if err := monitoring.Register(reg, stats, depths...); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	tf := r.Transformer
	if tf == nil {
		tf = worker.NewSimulated(cfg.Process.MinDelay, cfg.Process.MaxDelay, uint64(time.Now().UnixNano()))
	}

	in := ingest.New(ingest.Config{
		Dir:            cfg.Paths.InputDir,
		Pattern:        cfg.Ingest.Pattern,
		QuarantineDir:  cfg.Paths.QuarantineDir,
		ScanInterval:   cfg.Ingest.ScanInterval,
		ErrorBackoff:   cfg.Ingest.ErrorBackoff,
		EnqueueTimeout: cfg.Ingest.EnqueueTimeout,
		SettleDelay:    cfg.Ingest.SettleDelay,
		Watch:          cfg.Ingest.Watch,
	}, ingestQ, stats, logging.Stage(log, "ingest"))
	proc := worker.New(worker.FromConfig(cfg.Process), ingestQ, outputQ, tf, dead, stats, logging.Stage(log, "process"))
	wr := writer.New(outputQ, out, dead, cfg.Writer.PollTimeout, stats, logging.Stage(log, "write"))

	log.Info("pipeline starting",
		zap.String("input_dir", cfg.Paths.InputDir),
		zap.String("output_dir", cfg.Paths.OutputDir),
		zap.String("sink", out.Name()),
		zap.Duration("shutdown_bound", cfg.ShutdownBound()))
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	processed := make(chan struct{})
	var upstream <-chan struct{}
	if cfg.Writer.Drain {
		upstream = processed
	}
	g.Go(func() error { return in.Run(gctx) })
	g.Go(func() error {
		defer close(processed)
		return proc.Run(gctx)
	})
	g.Go(func() error { return wr.Run(gctx, upstream) })
	g.Go(func() error {
		progress.Run(gctx, logging.Stage(log, "progress"), stats, cfg.Metrics.ProgressInterval, depths...)
		return nil
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return monitoring.Serve(gctx, cfg.Metrics.Addr, reg, cfg.ShutdownBound()/2, logging.Stage(log, "metrics"))
		})
	}

	joined := make(chan error, 1)
	go func() { joined <- g.Wait() }()

	var runErr error
	select {
	case runErr = <-joined:
	case <-gctx.Done():
		log.Info("stop signal received, waiting for stages", zap.Duration("bound", cfg.ShutdownBound()))
		timer := time.NewTimer(cfg.ShutdownBound())
		defer timer.Stop()
		select {
		case runErr = <-joined:
		case <-timer.C:
			log.Error("stages did not join in time, sinks stay open until they do",
				zap.Duration("bound", cfg.ShutdownBound()))
			stagesRunning = true
			go func() {
				<-joined
				closeSinks()
			}()
			return ErrShutdownTimeout
		}
	}

	progress.LogTotals(log, stats, time.Since(start))
	if runErr != nil {
		log.Error("pipeline failed", zap.Error(runErr))
		return runErr
	}
	log.Info("pipeline stopped")
	return nil
}

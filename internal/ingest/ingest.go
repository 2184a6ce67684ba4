// Package ingest turns files dropped into the input directory into records on
// the ingestion queue.
//
// A file is deleted only after its record has been accepted by the queue.
// When the queue stays full past the enqueue timeout the file is left in
// place and picked up again on a later scan, which is how backpressure
// reaches the external producer. Files that cannot be parsed are removed
// (or quarantined) and never retried.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/sat-pipeline/internal/model"
	"github.com/sat-pipeline/internal/progress"
	"github.com/sat-pipeline/internal/queue"
)

var errBackpressure = errors.New("ingestion queue full")

// Config is the ingestor's slice of pipeline configuration.
type Config struct {
	Dir            string
	Pattern        string
	QuarantineDir  string
	ScanInterval   time.Duration
	ErrorBackoff   time.Duration
	EnqueueTimeout time.Duration
	SettleDelay    time.Duration
	Watch          bool
}

// Ingestor scans Dir and feeds the ingestion queue.
type Ingestor struct {
	cfg   Config
	out   *queue.Bounded[model.Record]
	stats *progress.Stats
	log   *zap.Logger
	now   func() time.Time
}

// New returns an Ingestor writing to out.
func New(cfg Config, out *queue.Bounded[model.Record], stats *progress.Stats, log *zap.Logger) *Ingestor {
	if cfg.Pattern == "" {
		cfg.Pattern = "*.txt"
	}
	return &Ingestor{cfg: cfg, out: out, stats: stats, log: log, now: time.Now}
}

// Run scans until ctx is done. The stop signal is checked once per cycle;
// a scan in progress is allowed to finish.
func (in *Ingestor) Run(ctx context.Context) error {
	var wake <-chan struct{}
	if in.cfg.Watch {
		w, err := newWatcher(in.cfg.Dir, in.log)
		if err != nil {
			in.log.Warn("directory watch unavailable, polling only", zap.Error(err))
		} else {
			defer w.Close()
			wake = w.Wake()
		}
	}

	in.log.Info("ingestor started",
		zap.String("dir", in.cfg.Dir),
		zap.String("pattern", in.cfg.Pattern),
		zap.Bool("watching", wake != nil))
	for ctx.Err() == nil {
		queued, err := in.Scan(ctx)
		delay := in.cfg.ScanInterval
		switch {
		case errors.Is(err, errBackpressure):
			in.log.Warn("ingestion queue is full, retrying later", zap.Int("queued", queued))
		case err != nil:
			in.log.Error("unexpected scan error", zap.Error(err))
			delay = in.cfg.ErrorBackoff
		case queued > 0:
			continue
		}
		in.idle(ctx, delay, wake)
	}
	in.log.Info("ingestor stopped")
	return nil
}

func (in *Ingestor) idle(ctx context.Context, d time.Duration, wake <-chan struct{}) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-wake:
	}
}

// Scan runs one cycle over the eligible files and returns how many were
// queued. It stops at the first full-queue timeout and returns errBackpressure.
func (in *Ingestor) Scan(ctx context.Context) (int, error) {
	files, err := in.eligible()
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, path := range files {
		err := in.ingestFile(ctx, path)
		if errors.Is(err, errBackpressure) {
			in.stats.Inc(progress.Backpressured)
			return queued, err
		}
		if err == nil {
			queued++
		}
	}
	return queued, nil
}

func (in *Ingestor) eligible() ([]string, error) {
	entries, err := os.ReadDir(in.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read input dir: %w", err)
	}
	cutoff := in.now().Add(-in.cfg.SettleDelay)
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if ok, _ := doublestar.Match(in.cfg.Pattern, e.Name()); !ok {
			continue
		}
		if in.cfg.SettleDelay > 0 {
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
		}
		files = append(files, filepath.Join(in.cfg.Dir, e.Name()))
	}
	return files, nil
}

// ingestFile returns nil only when the record was queued.
func (in *Ingestor) ingestFile(ctx context.Context, path string) error {
	name := filepath.Base(path)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return err
	}
	var rec model.Record
	if err == nil {
		rec, err = model.Parse(data)
	}
	if err != nil {
		in.log.Error("dropping unreadable input", zap.String("file", name), zap.Error(err))
		in.stats.Inc(progress.Malformed)
		in.discard(path)
		return err
	}

	rec.StampReceived(in.now())
	// The enqueue is not preempted by the stop signal; it is bounded by its timeout.
	if err := in.out.Put(context.WithoutCancel(ctx), rec, in.cfg.EnqueueTimeout); err != nil {
		return errBackpressure
	}
	in.stats.Inc(progress.Ingested)

	if err := os.Remove(path); err != nil {
		in.log.Error("queued input could not be removed", zap.String("file", name), zap.Error(err))
	}
	in.log.Info("queued image", zap.String("file", name), zap.String("image_id", rec.ImageID()))
	return nil
}

func (in *Ingestor) discard(path string) {
	if in.cfg.QuarantineDir != "" {
		dst := filepath.Join(in.cfg.QuarantineDir, filepath.Base(path))
		err := os.Rename(path, dst)
		if err == nil {
			in.log.Warn("input quarantined", zap.String("path", dst))
			return
		}
		in.log.Error("quarantine failed, deleting input", zap.String("file", path), zap.Error(err))
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		in.log.Error("malformed input could not be removed", zap.String("file", path), zap.Error(err))
	}
}

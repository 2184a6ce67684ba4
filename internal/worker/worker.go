// Package worker implements the processing stage: it drains the ingestion
// queue in small batches, transforms each batch on a shared bounded pool and
// hands the results to the output queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sat-pipeline/internal/config"
	"github.com/sat-pipeline/internal/deadletter"
	"github.com/sat-pipeline/internal/model"
	"github.com/sat-pipeline/internal/progress"
	"github.com/sat-pipeline/internal/queue"
)

const deadLetterStage = "process"

// ErrAbandoned is the failure recorded for records whose transformation or
// hand-off was still pending WaitCeiling after the stop signal.
var ErrAbandoned = errors.New("abandoned: wait ceiling passed after stop")

// Config is the processing stage's slice of pipeline configuration.
type Config struct {
	Workers         int
	BatchSize       int
	MaxOutstanding  int
	ItemTimeout     time.Duration
	WaitCeiling     time.Duration
	PutTimeout      time.Duration
	OverflowPolicy  string
	OverflowRetries int
}

// FromConfig copies the processing settings out of cfg.
func FromConfig(cfg config.ProcessConfig) Config {
	return Config{
		Workers:         cfg.Workers,
		BatchSize:       cfg.BatchSize,
		MaxOutstanding:  cfg.MaxOutstanding,
		ItemTimeout:     cfg.ItemTimeout,
		WaitCeiling:     cfg.WaitCeiling,
		PutTimeout:      cfg.PutTimeout,
		OverflowPolicy:  cfg.OverflowPolicy,
		OverflowRetries: cfg.OverflowRetries,
	}
}

// Stage is the processing stage. Run it once.
type Stage struct {
	cfg   Config
	in    *queue.Bounded[model.Record]
	out   *queue.Bounded[model.Record]
	tf    Transformer
	dead  *deadletter.Store
	stats *progress.Stats
	log   *zap.Logger

	pool    errgroup.Group
	slots   chan struct{}
	batches sync.WaitGroup
	seq     uint64
}

// New returns a Stage. dead may be nil, in which case records the stage
// cannot deliver are dropped.
func New(cfg Config, in, out *queue.Bounded[model.Record], tf Transformer, dead *deadletter.Store, stats *progress.Stats, log *zap.Logger) *Stage {
	cfg.Workers = max(cfg.Workers, 1)
	cfg.BatchSize = max(cfg.BatchSize, 1)
	cfg.MaxOutstanding = max(cfg.MaxOutstanding, 1)
	if cfg.OverflowPolicy == "" {
		cfg.OverflowPolicy = config.OverflowDrop
	}
	s := &Stage{
		cfg:   cfg,
		in:    in,
		out:   out,
		tf:    tf,
		dead:  dead,
		stats: stats,
		log:   log,
		slots: make(chan struct{}, cfg.MaxOutstanding),
	}
	s.pool.SetLimit(cfg.Workers)
	return s
}

type batch struct {
	id      uint64
	items   []model.Record
	started time.Time
	done    chan struct{}
	late    atomic.Bool
}

// Run processes batches until ctx is done, then waits for every submitted
// batch before returning. Outstanding batches get WaitCeiling after the stop
// signal; whatever is still unfinished then fails with ErrAbandoned, so Run
// returns within WaitCeiling of the stop for a transformer that honours its
// context.
func (s *Stage) Run(ctx context.Context) error {
	work, abandon := context.WithCancelCause(context.WithoutCancel(ctx))
	defer abandon(nil)
	stopGrace := context.AfterFunc(ctx, func() {
		time.AfterFunc(s.cfg.WaitCeiling, func() { abandon(ErrAbandoned) })
	})
	defer stopGrace()

	s.log.Info("processing stage started",
		zap.Int("workers", s.cfg.Workers),
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Int("max_outstanding", s.cfg.MaxOutstanding),
		zap.String("overflow_policy", s.cfg.OverflowPolicy))

	for ctx.Err() == nil {
		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			continue
		}
		items := s.drain(ctx)
		if len(items) == 0 {
			<-s.slots
			continue
		}
		s.wait(s.submit(ctx, work, items))
	}

	s.log.Info("processing stage stopping, joining outstanding batches")
	s.batches.Wait()
	err := s.pool.Wait()
	s.log.Info("processing stage stopped")
	return err
}

// drain takes up to BatchSize records, waiting at most ItemTimeout for each.
func (s *Stage) drain(ctx context.Context) []model.Record {
	var items []model.Record
	for len(items) < s.cfg.BatchSize {
		rec, err := s.in.Get(ctx, s.cfg.ItemTimeout)
		if err != nil {
			break
		}
		items = append(items, rec)
	}
	return items
}

// wait blocks until b is delivered or the wait ceiling passes.
func (s *Stage) wait(b *batch) {
	timer := time.NewTimer(s.cfg.WaitCeiling)
	defer timer.Stop()
	select {
	case <-b.done:
	case <-timer.C:
		b.late.Store(true)
		s.log.Warn("batch exceeded wait ceiling, continuing",
			zap.Uint64("batch", b.id),
			zap.Int("size", len(b.items)),
			zap.Duration("ceiling", s.cfg.WaitCeiling))
	}
}

func (s *Stage) submit(stop, work context.Context, items []model.Record) *batch {
	s.seq++
	b := &batch{id: s.seq, items: items, started: time.Now(), done: make(chan struct{})}
	s.batches.Add(1)
	go s.runBatch(stop, work, b)
	return b
}

// runBatch fans the batch out on the pool and delivers the results in the
// order the records were drained.
func (s *Stage) runBatch(stop, work context.Context, b *batch) {
	defer s.batches.Done()
	defer func() { <-s.slots }()
	defer close(b.done)

	results := make([]model.Record, len(b.items))
	var items sync.WaitGroup
	items.Add(len(b.items))
	for i, rec := range b.items {
		s.pool.Go(func() error {
			defer items.Done()
			results[i] = s.transform(work, rec)
			return nil
		})
	}
	items.Wait()

	for _, rec := range results {
		if rec != nil {
			s.deliver(stop, work, rec)
		}
	}
	if b.late.Load() {
		s.log.Info("late batch delivered",
			zap.Uint64("batch", b.id),
			zap.Duration("took", time.Since(b.started)))
	}
}

// transform returns nil when the record failed and must not be enqueued.
func (s *Stage) transform(ctx context.Context, rec model.Record) model.Record {
	var (
		out model.Record
		err error
	)
	if ctx.Err() == nil {
		start := time.Now()
		out, err = s.tf.Transform(ctx, rec)
		s.stats.ObserveTransform(time.Since(start))
		if err == nil && out == nil {
			err = errors.New("transformer returned no record")
		}
	}
	if ctx.Err() != nil && (err != nil || out == nil) {
		out, err = nil, context.Cause(ctx)
	}
	if err != nil {
		s.stats.Inc(progress.TransformFailed)
		s.log.Error("processing failed", zap.String("image_id", rec.ImageID()), zap.Error(err))
		s.spill(rec, fmt.Errorf("transform: %w", err))
		return nil
	}
	s.stats.Inc(progress.Processed)
	return out
}

// deliver applies the overflow policy. The backoff between attempts ends at
// the stop signal; a pending Put ends when work is abandoned.
func (s *Stage) deliver(stop, work context.Context, rec model.Record) {
	attempts := 1
	if s.cfg.OverflowPolicy != config.OverflowDrop {
		attempts += s.cfg.OverflowRetries
	}
	backoff := s.cfg.PutTimeout

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			s.stats.Inc(progress.OverflowRetried)
			if !sleep(stop, backoff) {
				break
			}
			backoff *= 2
		}
		if err = s.out.Put(work, rec, s.cfg.PutTimeout); err == nil {
			return
		}
		if work.Err() != nil {
			err = context.Cause(work)
			break
		}
	}

	if s.cfg.OverflowPolicy == config.OverflowDeadLetter && s.dead != nil {
		if s.spill(rec, fmt.Errorf("output queue: %w", err)) {
			return
		}
	}
	s.stats.Inc(progress.Dropped)
	s.log.Error("output queue full, record dropped",
		zap.String("image_id", rec.ImageID()),
		zap.String("overflow_policy", s.cfg.OverflowPolicy),
		zap.Error(err))
}

func (s *Stage) spill(rec model.Record, cause error) bool {
	if s.dead == nil {
		return false
	}
	if err := s.dead.Put(context.Background(), deadLetterStage, rec, cause); err != nil {
		s.log.Error("dead-letter write failed", zap.String("image_id", rec.ImageID()), zap.Error(err))
		return false
	}
	s.stats.Inc(progress.DeadLettered)
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

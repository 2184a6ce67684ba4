// Package writer is the terminal stage: it persists processed records.
package writer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sat-pipeline/internal/deadletter"
	"github.com/sat-pipeline/internal/model"
	"github.com/sat-pipeline/internal/progress"
	"github.com/sat-pipeline/internal/queue"
	"github.com/sat-pipeline/internal/sink"
)

const deadLetterStage = "write"

// Writer pulls one record at a time from the output queue.
type Writer struct {
	in          *queue.Bounded[model.Record]
	sink        sink.Sink
	dead        *deadletter.Store
	stats       *progress.Stats
	log         *zap.Logger
	pollTimeout time.Duration
}

// New returns a Writer. dead may be nil.
func New(in *queue.Bounded[model.Record], s sink.Sink, dead *deadletter.Store, pollTimeout time.Duration, stats *progress.Stats, log *zap.Logger) *Writer {
	return &Writer{in: in, sink: s, dead: dead, stats: stats, log: log, pollTimeout: pollTimeout}
}

// Run writes records until ctx is done. When upstreamDone is non-nil the
// writer keeps draining after the stop signal until upstreamDone is closed
// and the queue is empty.
func (w *Writer) Run(ctx context.Context, upstreamDone <-chan struct{}) error {
	w.log.Info("writer started", zap.String("sink", w.sink.Name()))
	// Gets are bounded by pollTimeout, not by the stop signal.
	poll := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil && w.finished(upstreamDone) {
			break
		}
		rec, err := w.in.Get(poll, w.pollTimeout)
		if err != nil {
			continue
		}
		w.write(poll, rec)
	}
	w.log.Info("writer stopped")
	return nil
}

func (w *Writer) finished(upstreamDone <-chan struct{}) bool {
	if upstreamDone == nil {
		return true
	}
	select {
	case <-upstreamDone:
		return w.in.Len() == 0
	default:
		return false
	}
}

func (w *Writer) write(ctx context.Context, rec model.Record) {
	if err := w.sink.Write(ctx, rec); err != nil {
		w.stats.Inc(progress.WriteFailed)
		w.log.Error("write failed", zap.String("image_id", rec.ImageID()), zap.Error(err))
		if w.dead == nil {
			return
		}
		if err := w.dead.Put(ctx, deadLetterStage, rec, fmt.Errorf("write: %w", err)); err != nil {
			w.log.Error("dead-letter write failed", zap.String("image_id", rec.ImageID()), zap.Error(err))
			return
		}
		w.stats.Inc(progress.DeadLettered)
		return
	}
	w.stats.Inc(progress.Written)
	w.log.Info("record written", zap.String("image_id", rec.ImageID()))
}

package worker

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sat-pipeline/internal/model"
)

// Transformer turns one ingested record into one processed record.
// Implementations must be safe for concurrent use.
type Transformer interface {
	Transform(ctx context.Context, rec model.Record) (model.Record, error)
}

// TransformFunc adapts a function to Transformer.
type TransformFunc func(ctx context.Context, rec model.Record) (model.Record, error)

func (f TransformFunc) Transform(ctx context.Context, rec model.Record) (model.Record, error) {
	return f(ctx, rec)
}

// Simulated stands in for real image processing: it waits a uniformly
// distributed delay in [MinDelay, MaxDelay] and stamps the record.
type Simulated struct {
	MinDelay time.Duration
	MaxDelay time.Duration

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewSimulated returns a Simulated transformer seeded with seed.
func NewSimulated(minDelay, maxDelay time.Duration, seed uint64) *Simulated {
	return &Simulated{
		MinDelay: minDelay,
		MaxDelay: maxDelay,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:      time.Now,
	}
}

func (s *Simulated) delay() time.Duration {
	span := s.MaxDelay - s.MinDelay
	if span <= 0 {
		return s.MinDelay
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.MinDelay + time.Duration(s.rng.Int64N(int64(span)+1))
}

func (s *Simulated) Transform(ctx context.Context, rec model.Record) (model.Record, error) {
	if d := s.delay(); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	out := rec.Clone()
	out.StampProcessed(s.now(), model.ProcessedNote)
	return out, nil
}

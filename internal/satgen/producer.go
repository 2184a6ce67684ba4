package satgen

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sat-pipeline/internal/sink"
)

// Producer writes bursts of metadata files into Dir. Each burst holds
// between MinImages and MaxImages files and bursts are separated by a
// uniform pause in [MinInterval, MaxInterval].
type Producer struct {
	Dir         string
	MinInterval time.Duration
	MaxInterval time.Duration
	MinImages   int
	MaxImages   int
	// Limiter paces individual files; nil means unpaced.
	Limiter *rate.Limiter
	// MaxFiles stops the producer after that many files; 0 runs until ctx is done.
	MaxFiles int
	Rand     *rand.Rand
	Log      *zap.Logger
}

// Run produces files until ctx is done or MaxFiles is reached and returns
// how many files were written.
func (p *Producer) Run(ctx context.Context) (int, error) {
	out, err := sink.NewFile(p.Dir)
	if err != nil {
		return 0, err
	}
	rng := p.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}

	log.Info("satellite image generator started", zap.String("dir", p.Dir))
	written := 0
	seq := 0
	for {
		if !pause(ctx, between(rng, p.MinInterval, p.MaxInterval)) {
			break
		}
		n := p.MinImages
		if p.MaxImages > p.MinImages {
			n += rng.IntN(p.MaxImages - p.MinImages + 1)
		}
		for _, rec := range GenerateBurst(time.Now(), seq, n, rng) {
			if p.MaxFiles > 0 && written >= p.MaxFiles {
				log.Info("satellite image generator finished", zap.Int("written", written))
				return written, nil
			}
			if p.Limiter != nil {
				if err := p.Limiter.Wait(ctx); err != nil {
					return written, nil
				}
			}
			if err := out.Write(ctx, rec); err != nil {
				return written, fmt.Errorf("write %s: %w", rec.ImageID(), err)
			}
			written++
			log.Info("generated image", zap.String("image_id", rec.ImageID()))
		}
		seq += n
	}
	log.Info("satellite image generator stopped", zap.Int("written", written))
	return written, nil
}

func between(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rng.Int64N(int64(hi-lo)+1))
}

func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

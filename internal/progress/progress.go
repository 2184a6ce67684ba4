package progress

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultInterval = 5 * time.Second

// Depth reports the current length of a named queue.
type Depth struct {
	Name string
	Len  func() int
}

// Run logs interval and cumulative progress every interval until ctx is done.
func Run(ctx context.Context, log *zap.Logger, stats *Stats, interval time.Duration, depths ...Depth) {
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev Snapshot
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cur := stats.Snapshot()
		delta := cur.Sub(prev)
		prev = cur

		log.Info("progress (this interval)", fields(delta, depths)...)
		log.Info("progress (cumulative)", fields(cur, nil)...)
	}
}

// LogTotals writes a single cumulative summary line.
func LogTotals(log *zap.Logger, stats *Stats, elapsed time.Duration) {
	snap := stats.Snapshot()
	fs := fields(snap, nil)
	fs = append(fs, zap.Duration("elapsed", elapsed))
	if secs := elapsed.Seconds(); secs > 0 {
		fs = append(fs, zap.Float64("written_per_sec", float64(snap.Get(Written))/secs))
	}
	log.Info("run finished", fs...)
}

func fields(s Snapshot, depths []Depth) []zap.Field {
	fs := make([]zap.Field, 0, int(numCounters)+len(depths)+1)
	for _, c := range Counters() {
		fs = append(fs, zap.Int64(c.String(), s.Get(c)))
	}
	fs = append(fs, zap.Duration("avg_transform", s.AvgTransform()))
	for _, d := range depths {
		fs = append(fs, zap.Int(d.Name+"_depth", d.Len()))
	}
	return fs
}

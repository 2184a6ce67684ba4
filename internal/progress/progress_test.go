package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestStatsConcurrent(t *testing.T) {
	var s Stats
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				s.Inc(Written)
				s.Add(Ingested, 2)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(800), s.Load(Written))
	assert.Equal(t, int64(1600), s.Load(Ingested))
	assert.Zero(t, s.Load(Dropped))
}

func TestNilStatsIsSafe(t *testing.T) {
	var s *Stats
	assert.NotPanics(t, func() {
		s.Inc(Written)
		s.ObserveTransform(time.Second)
	})
	assert.Zero(t, s.Load(Written))
}

func TestSnapshotSubAndAverage(t *testing.T) {
	var s Stats
	s.Add(Processed, 3)
	s.Inc(TransformFailed)
	s.ObserveTransform(4 * time.Second)
	first := s.Snapshot()

	s.Add(Processed, 2)
	s.ObserveTransform(2 * time.Second)
	delta := s.Snapshot().Sub(first)

	assert.Equal(t, time.Second, first.AvgTransform())
	assert.Equal(t, int64(2), delta.Get(Processed))
	assert.Equal(t, time.Second, delta.AvgTransform())
	assert.Zero(t, Snapshot{}.AvgTransform())
}

func TestCounterNames(t *testing.T) {
	assert.Equal(t, "dead_lettered", DeadLettered.String())
	assert.Equal(t, "unknown", Counter(99).String())
	assert.Len(t, Counters(), int(numCounters))
	for _, c := range Counters() {
		assert.NotEqual(t, "", c.String())
	}
}

func TestRunLogsUntilCancelled(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	var s Stats
	s.Add(Written, 5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, zap.New(core), &s, 10*time.Millisecond, Depth{Name: "ingest", Len: func() int { return 3 }})
	}()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("progress (this interval)").Len() > 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	entry := logs.FilterMessage("progress (this interval)").All()[0]
	assert.Equal(t, int64(5), entry.ContextMap()["written"])
	assert.Equal(t, int64(3), entry.ContextMap()["ingest_depth"])
}

func TestLogTotals(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	var s Stats
	s.Add(Written, 10)

	LogTotals(zap.New(core), &s, 2*time.Second)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, 5.0, logs.All()[0].ContextMap()["written_per_sec"])
}

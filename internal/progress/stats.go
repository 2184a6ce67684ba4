package progress

import (
	"sync/atomic"
	"time"
)

// Counter names one pipeline outcome.
type Counter int

const (
	Ingested Counter = iota
	Malformed
	Backpressured
	Processed
	TransformFailed
	OverflowRetried
	Dropped
	DeadLettered
	Written
	WriteFailed
	numCounters
)

var counterNames = [numCounters]string{
	Ingested:        "ingested",
	Malformed:       "malformed",
	Backpressured:   "backpressured",
	Processed:       "processed",
	TransformFailed: "transform_failed",
	OverflowRetried: "overflow_retried",
	Dropped:         "dropped",
	DeadLettered:    "dead_lettered",
	Written:         "written",
	WriteFailed:     "write_failed",
}

func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return "unknown"
	}
	return counterNames[c]
}

// Counters lists every counter in declaration order.
func Counters() []Counter {
	out := make([]Counter, numCounters)
	for i := range out {
		out[i] = Counter(i)
	}
	return out
}

// Stats is shared by all stages; every method is safe for concurrent use.
type Stats struct {
	counts         [numCounters]atomic.Int64
	transformNanos atomic.Int64
}

// Inc adds one to c.
func (s *Stats) Inc(c Counter) { s.Add(c, 1) }

// Add adds n to c.
func (s *Stats) Add(c Counter, n int64) {
	if s == nil || c < 0 || c >= numCounters {
		return
	}
	s.counts[c].Add(n)
}

// Load returns the current value of c.
func (s *Stats) Load(c Counter) int64 {
	if s == nil || c < 0 || c >= numCounters {
		return 0
	}
	return s.counts[c].Load()
}

// ObserveTransform accumulates time spent in the transformation step.
func (s *Stats) ObserveTransform(d time.Duration) {
	if s == nil {
		return
	}
	s.transformNanos.Add(int64(d))
}

// TransformTime returns the accumulated transformation time.
func (s *Stats) TransformTime() time.Duration {
	if s == nil {
		return 0
	}
	return time.Duration(s.transformNanos.Load())
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Counts        [numCounters]int64
	TransformTime time.Duration
}

// Snapshot copies the current values.
func (s *Stats) Snapshot() Snapshot {
	var snap Snapshot
	for _, c := range Counters() {
		snap.Counts[c] = s.Load(c)
	}
	snap.TransformTime = s.TransformTime()
	return snap
}

// Get returns the snapshot value for c.
func (s Snapshot) Get(c Counter) int64 {
	if c < 0 || c >= numCounters {
		return 0
	}
	return s.Counts[c]
}

// Sub returns s minus prev, counter by counter.
func (s Snapshot) Sub(prev Snapshot) Snapshot {
	var d Snapshot
	for i := range s.Counts {
		d.Counts[i] = s.Counts[i] - prev.Counts[i]
	}
	d.TransformTime = s.TransformTime - prev.TransformTime
	return d
}

// AvgTransform is the mean transformation latency over the processed and failed items.
func (s Snapshot) AvgTransform() time.Duration {
	n := s.Get(Processed) + s.Get(TransformFailed)
	if n <= 0 {
		return 0
	}
	return s.TransformTime / time.Duration(n)
}

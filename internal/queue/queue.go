// Package queue provides the bounded hand-off used between pipeline stages.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrFull  = errors.New("queue: full")
	ErrEmpty = errors.New("queue: empty")
)

// Bounded is a fixed-capacity MPMC queue. Every operation is bounded by a
// timeout and fails explicitly instead of blocking forever.
type Bounded[T any] struct {
	ch chan T
}

// New returns a queue holding at most capacity items. capacity < 1 is treated as 1.
func New[T any](capacity int) *Bounded[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Bounded[T]{ch: make(chan T, capacity)}
}

// Put enqueues v, waiting up to timeout for space. timeout <= 0 means try once.
func (q *Bounded[T]) Put(ctx context.Context, v T, timeout time.Duration) error {
	select {
	case q.ch <- v:
		return nil
	default:
	}
	if timeout <= 0 {
		return ErrFull
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q.ch <- v:
		return nil
	case <-timer.C:
		return ErrFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get dequeues one item, waiting up to timeout. timeout <= 0 means try once.
func (q *Bounded[T]) Get(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	select {
	case v := <-q.ch:
		return v, nil
	default:
	}
	if timeout <= 0 {
		return zero, ErrEmpty
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-q.ch:
		return v, nil
	case <-timer.C:
		return zero, ErrEmpty
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Len reports the number of queued items.
func (q *Bounded[T]) Len() int { return len(q.ch) }

// Cap reports the queue capacity.
func (q *Bounded[T]) Cap() int { return cap(q.ch) }

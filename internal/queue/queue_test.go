package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	q := New[int](2)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, 1, time.Millisecond))
	require.NoError(t, q.Put(ctx, 2, time.Millisecond))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 2, q.Cap())

	v, err := q.Get(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestPutFullTimesOut(t *testing.T) {
	q := New[int](1)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, 1, 0))

	start := time.Now()
	err := q.Put(ctx, 2, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrFull)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 1, q.Len())

	assert.ErrorIs(t, q.Put(ctx, 3, 0), ErrFull)
}

func TestGetEmptyTimesOut(t *testing.T) {
	q := New[string](1)

	_, err := q.Get(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = q.Get(context.Background(), 0)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestContextCancel(t *testing.T) {
	q := New[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Get(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, q.Put(context.Background(), 1, 0))
	err = q.Put(ctx, 2, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPutUnblocksWhenSpaceFrees(t *testing.T) {
	q := New[int](1)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, 1, 0))

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = q.Get(ctx, 0)
	}()

	assert.NoError(t, q.Put(ctx, 2, time.Second))
}

func TestConcurrentProducersConsumers(t *testing.T) {
	const producers, perProducer = 4, 250
	q := New[int](8)
	ctx := context.Background()

	var got atomic.Int64
	var done atomic.Bool
	var consumers sync.WaitGroup
	for range 3 {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				if _, err := q.Get(ctx, 5*time.Millisecond); err == nil {
					got.Add(1)
					continue
				}
				if done.Load() && q.Len() == 0 {
					return
				}
			}
		}()
	}

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				for q.Put(ctx, p*perProducer+i, time.Millisecond) != nil {
				}
				assert.LessOrEqual(t, q.Len(), q.Cap())
			}
		}()
	}
	wg.Wait()
	done.Store(true)
	consumers.Wait()

	assert.Equal(t, int64(producers*perProducer), got.Load())
}

func TestMinimumCapacity(t *testing.T) {
	assert.Equal(t, 1, New[int](0).Cap())
}

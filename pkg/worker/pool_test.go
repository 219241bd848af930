package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesWork(t *testing.T) {
	var sum atomic.Int64
	pool := NewPool(2, 16, func(_ context.Context, n int64) error {
		sum.Add(n)
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	for i := int64(1); i <= 10; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, int64(55), sum.Load())
	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestPoolCountsFailures(t *testing.T) {
	pool := NewPool(1, 8, func(_ context.Context, fail bool) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(true))
	require.NoError(t, pool.Submit(false))
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, int64(1), pool.Stats().Failed)
}

func TestPoolLifecycleErrors(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, int) error { return nil })

	assert.ErrorIs(t, pool.Submit(1), ErrPoolNotStarted)
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, pool.Stop(time.Second))
	// Stop is idempotent.
	require.NoError(t, pool.Stop(time.Second))
}

func TestPoolQueueFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	// First item occupies the worker, second fills the queue.
	require.NoError(t, pool.Submit(1))
	// Give the worker time to pick up the first item.
	deadline := time.Now().Add(time.Second)
	for pool.Stats().QueueDepth > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, pool.Submit(2))

	err := pool.Submit(3)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)

	close(block)
	require.NoError(t, pool.Stop(time.Second))
}

func TestNilProcessorPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewPool[int](1, 1, nil)
	})
}

package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_BasicExecution(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	defer pool.Shutdown()

	var ran atomic.Int64
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		ran.Add(1)
		return nil
	}))
	pool.Wait()

	assert.Equal(t, int64(1), ran.Load())
	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Completed)
	assert.Equal(t, 2, m.Capacity)
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	pool := NewWorkerPool(3, nil)
	defer pool.Shutdown()

	var current, peak atomic.Int64
	for range 10 {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			c := current.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, int64(10), pool.Metrics().Completed)
}

func TestWorkerPool_BackpressureRespectsContext(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Wait()
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		panic("boom")
	}))
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		return errors.New("plain failure")
	}))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(2), m.Failed)
	assert.Equal(t, int64(0), m.Active)
}

func TestWorkerPool_ShutdownWaitsForActive(t *testing.T) {
	pool := NewWorkerPool(2, nil)

	var finished atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil
	}))
	pool.Shutdown()

	assert.True(t, finished.Load())
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	pool.Shutdown()
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPool_ConcurrentSubmitters(t *testing.T) {
	pool := NewWorkerPool(4, nil)
	defer pool.Shutdown()

	var wg sync.WaitGroup
	var ran atomic.Int64
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5 {
				_ = pool.Submit(context.Background(), func(context.Context) error {
					ran.Add(1)
					return nil
				})
			}
		}()
	}
	wg.Wait()
	pool.Wait()

	assert.Equal(t, int64(40), ran.Load())
}

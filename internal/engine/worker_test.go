package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_BasicExecution(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var ran int64
	ok, err := pool.Submit(context.Background(), "run-1", func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ok)

	pool.Wait()
	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
	assert.Equal(t, int64(1), pool.Metrics().Completed)
	assert.False(t, pool.InFlight("run-1"))
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	const size = 3
	pool := NewWorkerPool(size)
	defer pool.Shutdown()

	var current, peak int64
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		_, err := pool.Submit(context.Background(), fmt.Sprintf("run-%d", i), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > peak {
				peak = c
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()

	assert.LessOrEqual(t, peak, int64(size))
	assert.Positive(t, peak)
}

func TestWorkerPool_SkipsInFlightKey(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})
	ok, err := pool.Submit(context.Background(), "run-1", func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	<-started

	assert.True(t, pool.InFlight("run-1"))
	ok, err = pool.Submit(context.Background(), "run-1", func(ctx context.Context) error {
		t.Error("duplicate task must not run")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), pool.Metrics().Skipped)

	close(block)
	pool.Wait()

	ok, err = pool.Submit(context.Background(), "run-1", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ok, "key is free again once the first task is done")
	pool.Wait()
}

func TestWorkerPool_ContextCancelWhileWaiting(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	block := make(chan struct{})
	_, err := pool.Submit(context.Background(), "a", func(ctx context.Context) error {
		<-block
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ok, err := pool.Submit(ctx, "b", func(ctx context.Context) error { return nil })
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, pool.InFlight("b"))

	close(block)
	pool.Wait()
}

func TestWorkerPool_FailuresAndPanics(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var mu sync.Mutex
	reported := map[string]string{}
	pool.OnError(func(key string, err error) {
		mu.Lock()
		reported[key] = err.Error()
		mu.Unlock()
	})

	_, err := pool.Submit(context.Background(), "fails", func(ctx context.Context) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	_, err = pool.Submit(context.Background(), "panics", func(ctx context.Context) error {
		panic("kaboom")
	})
	require.NoError(t, err)
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(2), m.Failed)
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(0), m.Active)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "boom", reported["fails"])
	assert.Equal(t, "panic: kaboom", reported["panics"])
}

func TestWorkerPool_Shutdown(t *testing.T) {
	pool := NewWorkerPool(1)

	var finished int64
	_, err := pool.Submit(context.Background(), "slow", func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		atomic.StoreInt64(&finished, 1)
		return nil
	})
	require.NoError(t, err)

	pool.Shutdown()
	assert.Equal(t, int64(1), atomic.LoadInt64(&finished), "shutdown waits for active work")

	_, err = pool.Submit(context.Background(), "late", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
	pool.Shutdown()
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Skipped   int64 `json:"skipped"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool runs keyed work with bounded concurrency. At most one task per
// key is in flight; a second submission of a busy key is skipped.
type WorkerPool struct {
	slots   chan struct{}
	wg      sync.WaitGroup
	done    chan struct{}
	onError func(key string, err error)

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool

	active, completed, failed, panics, skipped atomic.Int64
}

// NewWorkerPool creates a pool running at most size tasks at once.
func NewWorkerPool(size int) *WorkerPool {
	return &WorkerPool{
		slots:    make(chan struct{}, max(size, 1)),
		inflight: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// OnError sets a callback for failed or panicking tasks. Set it before submitting.
func (p *WorkerPool) OnError(fn func(key string, err error)) {
	p.onError = fn
}

// Submit schedules fn under key. It blocks while every slot is taken, giving
// up when ctx ends or the pool shuts down. It reports false when key is
// already in flight.
func (p *WorkerPool) Submit(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	if accepted, err := p.claim(key); !accepted {
		return false, err
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		p.release(key)
		return false, ctx.Err()
	case <-p.done:
		p.release(key)
		return false, ErrPoolShutdown
	}

	// Register under the lock so Shutdown's Wait cannot miss the task.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		p.release(key)
		return false, ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go p.run(ctx, key, fn)
	return true, nil
}

func (p *WorkerPool) claim(key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, ErrPoolShutdown
	}
	if _, busy := p.inflight[key]; busy {
		p.skipped.Add(1)
		return false, nil
	}
	p.inflight[key] = struct{}{}
	return true, nil
}

func (p *WorkerPool) run(ctx context.Context, key string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.report(key, fmt.Errorf("panic: %v", r))
		}
		p.active.Add(-1)
		<-p.slots
		p.release(key)
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		p.report(key, err)
		return
	}
	p.completed.Add(1)
}

// InFlight reports whether key has a running or queued task.
func (p *WorkerPool) InFlight(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[key]
	return ok
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work and waits for active tasks.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
		Skipped:   p.skipped.Load(),
	}
}

func (p *WorkerPool) release(key string) {
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}

func (p *WorkerPool) report(key string, err error) {
	if p.onError != nil {
		p.onError(key, err)
	}
}

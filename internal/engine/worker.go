package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// ErrPoolBusy is returned by TrySubmit when the pool is at capacity.
var ErrPoolBusy = errors.New("worker pool is at capacity")

// Task is a unit of background work: an auto-resume or a scheduled start.
type Task func(ctx context.Context) error

// WorkerPool bounds the number of background session tasks running at once.
type WorkerPool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewWorkerPool creates a pool running at most size tasks concurrently.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		sem:    make(chan struct{}, size),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Submit runs task on a pool goroutine. It blocks while the pool is at
// capacity and gives up when ctx is done or the pool shuts down. The task
// receives a context detached from ctx's cancellation.
func (p *WorkerPool) Submit(ctx context.Context, name string, task Task) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}
	return p.launch(ctx, name, task)
}

// TrySubmit is Submit without waiting: it returns ErrPoolBusy when every
// slot is taken.
func (p *WorkerPool) TrySubmit(ctx context.Context, name string, task Task) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}
	select {
	case p.sem <- struct{}{}:
	default:
		return ErrPoolBusy
	}
	return p.launch(ctx, name, task)
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// launch runs task in the slot the caller acquired.
func (p *WorkerPool) launch(ctx context.Context, name string, task Task) error {
	// wg.Add must happen under mu so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	taskCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
				p.logger.ErrorContext(taskCtx, "worker task panicked",
					slog.String("task", name),
					slog.String("panic", fmt.Sprint(r)))
			}
			p.active.Add(-1)
			<-p.sem
			p.wg.Done()
		}()

		if err := task(taskCtx); err != nil {
			p.failed.Add(1)
			p.logger.WarnContext(taskCtx, "worker task failed",
				slog.String("task", name),
				slog.String("error", err.Error()))
			return
		}
		p.completed.Add(1)
	}()
	return nil
}

// Wait blocks until all submitted tasks finish.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new submissions and waits for running tasks.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
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
	}
}

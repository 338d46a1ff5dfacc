// Package worker provides a bounded worker pool for asynchronous side work.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when submitting to a closed pool.
var ErrClosed = errors.New("worker pool closed")

// Handler processes one job. It receives the pool context, which is cancelled on Close
// only after the queue has drained.
type Handler[T any] func(ctx context.Context, job T)

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers   int
	Queued    int
	Processed uint64
	Dropped   uint64
}

// Pool runs a fixed number of workers pulling jobs of type T from a bounded queue.
type Pool[T any] struct {
	workers int
	handle  Handler[T]
	queue   chan T

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	processed atomic.Uint64
	dropped   atomic.Uint64
}

// NewPool starts workers goroutines consuming a queue of queueSize jobs.
//
//	pool := worker.NewPool(ctx, 4, 1024, func(ctx context.Context, r Record) { ... })
//	defer pool.Close()
//	pool.TrySubmit(record)
func NewPool[T any](ctx context.Context, workers, queueSize int, handle Handler[T]) *Pool[T] {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	poolCtx, cancel := context.WithCancel(ctx)
	p := &Pool[T]{
		workers: workers,
		handle:  handle,
		queue:   make(chan T, queueSize),
		ctx:     poolCtx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()

	for job := range p.queue {
		p.handle(p.ctx, job)
		p.processed.Add(1)
	}
}

// Submit queues job, blocking while the queue is full until ctx is done.
func (p *Pool[T]) Submit(ctx context.Context, job T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// TrySubmit queues job without blocking. It returns false and counts a drop when the
// queue is full or the pool is closed.
func (p *Pool[T]) TrySubmit(job T) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return false
	}

	select {
	case p.queue <- job:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Close stops accepting jobs, waits for queued jobs to finish, then cancels the
// pool context. It is safe to call more than once.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

// Stats returns counters for monitoring.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Queued:    len(p.queue),
		Processed: p.processed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// Package worker provides a generic worker pool for concurrent task
// processing. Composites use it to run fan-out branches in parallel.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Pool is a generic worker pool processing work items of type T.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewPool creates a worker pool. workers defaults to 4 and queueSize to 64
// when non-positive values are given. processor must be non-nil.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	return &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
}

// Start starts the workers. The context is passed through to the processor
// and cancels all workers when done.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Submit queues work non-blocking. Returns ErrQueueFull when the queue is
// saturated; the item is dropped and counted.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		return nil
	default:
		p.dropped.Add(1)
		return ErrQueueFull
	}
}

// Stop closes the queue and waits up to timeout for workers to drain.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}

	close(p.workChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.stopped = true
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats describes current pool counters.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns a snapshot of pool counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			err := p.processor(ctx, work)
			p.processed.Add(1)
			if err != nil {
				p.failed.Add(1)
			}
		}
	}
}

package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned for submissions after Shutdown.
var ErrPoolClosed = errors.New("worker pool closed")

// WorkerPool bounds concurrent node execution across all runs with a
// slot semaphore. A run waiting on a full pool blocks only its own
// wave, never another run's loop. Task counters feed the engine's
// Metrics collector.
type WorkerPool struct {
	slots    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	metrics  *Metrics
}

// NewWorkerPool creates a pool executing at most size tasks at once.
func NewWorkerPool(size int, metrics *Metrics) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		slots:   make(chan struct{}, size),
		stop:    make(chan struct{}),
		metrics: metrics,
	}
}

// Submit runs fn on its own goroutine once a slot frees up. Waiting for
// a slot respects ctx. A nil return guarantees fn will run; panics in
// fn are recovered and counted, never crash the process.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case p.slots <- struct{}{}:
	case <-p.stop:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// Shutdown may have raced the acquire; hand the slot back so its
	// drain can finish.
	select {
	case <-p.stop:
		<-p.slots
		return ErrPoolClosed
	default:
	}

	p.metrics.TaskStarted()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.metrics.TaskPanicked()
			}
			<-p.slots
		}()
		p.metrics.TaskFinished(fn(ctx))
	}()
	return nil
}

// Shutdown rejects new submissions and waits for in-flight tasks by
// taking every slot. Subsequent calls return immediately.
func (p *WorkerPool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.stop)
		for i := 0; i < cap(p.slots); i++ {
			p.slots <- struct{}{}
		}
	})
}

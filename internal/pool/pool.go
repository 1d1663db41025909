// Package pool is the bounded executor for ingestion and query tasks.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/metrics"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("worker pool closed")

// Task is a unit of work. Its error is delivered through the Future and never affects other tasks.
type Task func(ctx context.Context) error

// Future is the pending result of a submitted task.
type Future struct {
	done chan struct{}
	err  error
}

// Done is closed when the task has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the task error. Only valid after Done is closed.
func (f *Future) Err() error { return f.err }

// Wait blocks until the task finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type job struct {
	ctx    context.Context
	task   Task
	future *Future
}

// Config sizes the pool.
type Config struct {
	MaxWorkers    int
	QueueDepth    int
	BlockWhenFull bool
}

// Pool runs at most MaxWorkers tasks at once; up to QueueDepth more wait in the queue.
// QueueDepth 0 means no queue: Submit only succeeds while a worker is idle.
type Pool struct {
	cfg    Config
	slots  *semaphore.Weighted
	queue  chan job
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool

	dispatcher sync.WaitGroup
	workers    sync.WaitGroup
}

// New starts a pool.
func New(cfg Config, logger *zap.Logger) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.QueueDepth < 0 {
		cfg.QueueDepth = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:    cfg,
		slots:  semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		queue:  make(chan job, cfg.QueueDepth),
		logger: logger,
	}
	p.dispatcher.Add(1)
	go p.dispatch()
	return p
}

// Submit queues a task. With a full queue it returns domain.ErrPoolSaturated,
// or waits for space (until ctx is done) when BlockWhenFull is set.
// The task runs with ctx; if ctx ends while the task is queued it is skipped and the Future carries ctx.Err().
func (p *Pool) Submit(ctx context.Context, task Task) (*Future, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	j := job{ctx: ctx, task: task, future: &Future{done: make(chan struct{})}}
	if p.cfg.BlockWhenFull {
		select {
		case p.queue <- j:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		select {
		case p.queue <- j:
		default:
			metrics.PoolTasksTotal.WithLabelValues("rejected").Inc()
			return nil, domain.ErrPoolSaturated
		}
	}
	metrics.PoolQueueDepth.Inc()
	return j.future, nil
}

// Shutdown stops intake and waits for queued and running tasks to finish or ctx to end.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.dispatcher.Wait()
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}
}

// dispatch takes a slot before it takes a job, so queued tasks never exceed QueueDepth.
func (p *Pool) dispatch() {
	defer p.dispatcher.Done()
	for {
		// Acquire with a background context only fails on a negative weight.
		_ = p.slots.Acquire(context.Background(), 1)
		j, ok := <-p.queue
		if !ok {
			p.slots.Release(1)
			return
		}
		metrics.PoolQueueDepth.Dec()
		p.workers.Add(1)
		go p.run(j)
	}
}

func (p *Pool) run(j job) {
	defer p.workers.Done()
	defer p.slots.Release(1)
	defer close(j.future.done)
	defer func() {
		if r := recover(); r != nil {
			metrics.PoolTasksTotal.WithLabelValues("panic").Inc()
			p.logger.Error("Worker task panicked", zap.Any("panic", r))
			j.future.err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	if err := j.ctx.Err(); err != nil {
		j.future.err = err
		return
	}
	j.future.err = j.task(j.ctx)
	if j.future.err != nil {
		metrics.PoolTasksTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.PoolTasksTotal.WithLabelValues("ok").Inc()
}

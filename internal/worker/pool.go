// Package worker runs background tasks on a fixed pool draining a
// bounded in-memory FIFO queue. The queue is the backpressure boundary
// between capture and processing; it does not survive restarts.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"komorebi/internal/logging"
	"komorebi/pkg/types"
)

const (
	// DefaultWorkerCount is the pool size when none is configured
	DefaultWorkerCount = 4

	// DefaultQueueCapacity bounds the in-memory task queue
	DefaultQueueCapacity = 10000

	// DefaultEnqueueWait is how long Enqueue blocks on a full queue
	// before failing with QueueFull.
	DefaultEnqueueWait = 50 * time.Millisecond

	// DefaultShutdownGrace is how long in-flight tasks get to finish
	DefaultShutdownGrace = 30 * time.Second
)

// Task is one unit of background work. Run receives the pool's
// lifecycle context; tasks are expected to check it at suspension
// points and abandon cleanly on cancellation.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config sizes the pool
type Config struct {
	Workers       int
	QueueCapacity int
	EnqueueWait   time.Duration
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkerCount
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.EnqueueWait <= 0 {
		c.EnqueueWait = DefaultEnqueueWait
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

// Pool drains the task queue with a fixed set of workers. Task
// failures are logged and never crash the pool; there are no automatic
// retries, so a failed chunk stays at inbox for the next startup scan.
type Pool struct {
	cfg    Config
	logger logging.Logger

	// tasks is never closed; quit signals shutdown so a sender blocked
	// on a full queue fails with QueueFull instead of panicking.
	tasks  chan Task
	quit   chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewPool creates a stopped pool; call Start before enqueueing
func NewPool(cfg Config, logger logging.Logger) *Pool {
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:    cfg,
		logger: logger.WithComponent("worker"),
		tasks:  make(chan Task, cfg.QueueCapacity),
		quit:   make(chan struct{}),
	}
}

// Start launches the workers. Calling Start twice is an error.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("%w: pool already started", types.ErrConflict)
	}
	p.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work(runCtx, i)
	}
	p.logger.Info("worker pool started",
		"workers", p.cfg.Workers, "queue_capacity", p.cfg.QueueCapacity)
	return nil
}

// Enqueue hands a task to the pool. When the queue is full it waits
// briefly, then fails with QueueFull so the caller can surface a
// retryable error.
func (p *Pool) Enqueue(ctx context.Context, task Task) error {
	select {
	case <-p.quit:
		return fmt.Errorf("%w: pool is shut down", types.ErrQueueFull)
	default:
	}

	select {
	case p.tasks <- task:
		return nil
	case <-p.quit:
		return fmt.Errorf("%w: pool is shut down", types.ErrQueueFull)
	default:
	}

	timer := time.NewTimer(p.cfg.EnqueueWait)
	defer timer.Stop()
	select {
	case p.tasks <- task:
		return nil
	case <-p.quit:
		return fmt.Errorf("%w: pool is shut down", types.ErrQueueFull)
	case <-ctx.Done():
		return fmt.Errorf("%w: enqueue cancelled: %v", types.ErrQueueFull, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: queue at capacity %d", types.ErrQueueFull, p.cfg.QueueCapacity)
	}
}

// QueueDepth reports how many tasks are waiting
func (p *Pool) QueueDepth() int {
	return len(p.tasks)
}

// Shutdown stops accepting work, lets in-flight and queued tasks drain
// within the grace window, then abandons the rest. Abandoned chunks
// stay at inbox and are picked up by the next startup scan.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.quit)
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(p.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool drained")
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	p.cancel()
	p.logger.Warn("worker pool shutdown abandoned in-flight tasks",
		"remaining", len(p.tasks))

	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return fmt.Errorf("%w: worker pool did not drain within grace window", types.ErrTimeout)
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.WithComponent(fmt.Sprintf("worker-%d", id))

	for {
		select {
		case task := <-p.tasks:
			p.maybeRun(ctx, logger, task)
		case <-p.quit:
			// Drain what is already queued, then exit. Enqueue rejects
			// once quit is closed, so the queue only shrinks from here.
			for {
				select {
				case task := <-p.tasks:
					p.maybeRun(ctx, logger, task)
				default:
					return
				}
			}
		}
	}
}

// maybeRun executes the task unless the pool context was cancelled,
// in which case the task is abandoned for the next startup scan.
func (p *Pool) maybeRun(ctx context.Context, logger logging.Logger, task Task) {
	select {
	case <-ctx.Done():
		logger.Warn("abandoning queued task", "task", task.Name)
		return
	default:
	}
	p.runOne(ctx, logger, task)
}

// runOne executes a single task with panic recovery so a bad task
// cannot take a worker down.
func (p *Pool) runOne(ctx context.Context, logger logging.Logger, task Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked", "task", task.Name, "panic", fmt.Sprintf("%v", r))
		}
	}()

	start := time.Now()
	if err := task.Run(ctx); err != nil {
		logger.Warn("task failed", "task", task.Name,
			"error", err.Error(), "duration_ms", time.Since(start).Milliseconds())
		return
	}
	logger.Debug("task complete", "task", task.Name,
		"duration_ms", time.Since(start).Milliseconds())
}

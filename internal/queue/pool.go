package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// PoolConfig holds configuration for the WorkerPool.
type PoolConfig struct {
	Processor    Processor
	RateLimiter  RateLimiter  // Optional
	PanicHandler PanicHandler // Optional: defaults to logging with stack trace
	QueueManager *Manager
	Logger       *slog.Logger
	Size         int
}

// WorkerPool runs a fixed number of workers against one Manager. A worker
// that panics outside message processing is replaced when the PanicHandler
// asks for it.
type WorkerPool struct {
	logger       *slog.Logger
	config       PoolConfig
	wg           sync.WaitGroup
	nextWorkerID atomic.Int32
	active       atomic.Int32
}

// NewWorkerPool validates the config and creates a pool.
func NewWorkerPool(config PoolConfig) (*WorkerPool, error) {
	if config.Size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1")
	}
	if config.QueueManager == nil {
		return nil, fmt.Errorf("queue manager is required")
	}
	if config.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.PanicHandler == nil {
		config.PanicHandler = NewDefaultPanicHandler(config.Logger)
	}

	return &WorkerPool{
		config: config,
		logger: config.Logger.With(slog.String("component", "worker_pool")),
	}, nil
}

// Start launches all workers. They run until ctx is canceled or the manager
// shuts down.
func (p *WorkerPool) Start(ctx context.Context) {
	for range p.config.Size {
		p.startWorker(ctx, p.newWorker())
	}
	p.logger.InfoContext(ctx, "worker pool started", slog.Int("size", p.config.Size))
}

// Wait blocks until all workers have stopped.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Size returns the configured number of workers.
func (p *WorkerPool) Size() int {
	return p.config.Size
}

// Active returns the number of running workers.
func (p *WorkerPool) Active() int {
	return int(p.active.Load())
}

func (p *WorkerPool) newWorker() Worker {
	return NewWorker(WorkerConfig{
		ID:           int(p.nextWorkerID.Add(1)),
		Processor:    p.config.Processor,
		RateLimiter:  p.config.RateLimiter,
		PanicHandler: p.config.PanicHandler,
		QueueManager: p.config.QueueManager,
		Logger:       p.config.Logger,
	})
}

// startWorker starts a worker in a new goroutine.
func (p *WorkerPool) startWorker(ctx context.Context, w Worker) {
	p.wg.Add(1)
	p.active.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.active.Add(-1)

		defer func() {
			if r := recover(); r != nil {
				if HandleRecoveredPanic(w.ID(), r, p.config.PanicHandler) && ctx.Err() == nil {
					p.startWorker(ctx, p.newWorker())
				}
			}
		}()

		if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.ErrorContext(ctx, "worker stopped with error",
				slog.String("worker_id", w.ID()),
				slog.Any("error", err))
		}
	}()
}

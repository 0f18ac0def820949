package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// requestTimeout bounds a single RequestMessage wait so workers notice
// cancellation between idle periods.
const requestTimeout = 30 * time.Second

// WorkerConfig holds configuration for a worker.
type WorkerConfig struct {
	Processor    Processor
	RateLimiter  RateLimiter // Optional
	PanicHandler PanicHandler
	QueueManager *Manager
	Logger       *slog.Logger
	ID           int
}

// worker processes messages from the queue.
type worker struct {
	logger *slog.Logger
	config WorkerConfig
}

// NewWorker creates a new worker instance.
func NewWorker(config WorkerConfig) Worker {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &worker{config: config}
	w.logger = logger.With(slog.String("worker_id", w.ID()))
	return w
}

// Start begins processing messages. Blocks until context is canceled.
func (w *worker) Start(ctx context.Context) error {
	w.logger.DebugContext(ctx, "worker starting")

	for {
		if err := ctx.Err(); err != nil {
			w.logger.DebugContext(ctx, "worker shutting down")
			return err
		}

		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		msg, err := w.config.QueueManager.RequestMessage(reqCtx)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				// No messages available, continue
				continue
			}
			return err
		}

		if msg == nil {
			// Queue manager is shutting down
			return nil
		}

		w.handle(ctx, msg)
	}
}

// handle runs one message and always releases its user's queue.
func (w *worker) handle(ctx context.Context, msg *Message) {
	defer func() {
		if err := w.config.QueueManager.CompleteMessage(msg); err != nil {
			w.logger.WarnContext(ctx, "failed to complete message",
				slog.String("message_id", msg.ID),
				slog.Any("error", err))
		}
	}()

	if w.config.RateLimiter != nil && !w.config.RateLimiter.Allow(msg.UserID) {
		w.logger.InfoContext(ctx, "message dropped by rate limiter",
			slog.String("message_id", msg.ID),
			slog.Int64("user_id", msg.UserID))
		if notifier, ok := w.config.Processor.(RateLimitNotifier); ok {
			w.safely(func() { notifier.NotifyRateLimited(ctx, msg) })
		}
		msg.SetError(ErrRateLimited)
		w.transition(msg, StateDropped)
		return
	}

	start := time.Now()
	err := w.process(ctx, msg)
	if err != nil {
		msg.SetError(err)
		w.transition(msg, StateFailed)
		w.logger.ErrorContext(ctx, "error processing message",
			slog.String("message_id", msg.ID),
			slog.Int64("user_id", msg.UserID),
			slog.Any("error", err))
		return
	}

	w.transition(msg, StateCompleted)
	w.logger.DebugContext(ctx, "message processed",
		slog.String("message_id", msg.ID),
		slog.Duration("duration", time.Since(start)))
}

// process calls the Processor, converting a panic into a *PanicError.
func (w *worker) process(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			HandleRecoveredPanic(w.ID(), r, w.config.PanicHandler)
			err = &PanicError{Value: r, MessageID: msg.ID}
		}
	}()

	if err := w.config.Processor.Process(ctx, msg); err != nil {
		return fmt.Errorf("process message %s: %w", msg.ID, err)
	}
	return nil
}

func (w *worker) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			HandleRecoveredPanic(w.ID(), r, w.config.PanicHandler)
		}
	}()
	fn()
}

func (w *worker) transition(msg *Message, to State) {
	if err := msg.Transition(to); err != nil {
		w.logger.Warn("invalid message transition",
			slog.String("message_id", msg.ID),
			slog.Any("error", err))
	}
}

// ID returns the worker's unique identifier.
func (w *worker) ID() string {
	return fmt.Sprintf("worker-%d", w.config.ID)
}

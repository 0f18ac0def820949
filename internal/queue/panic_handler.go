package queue

import (
	"context"
	"log/slog"
	"runtime/debug"
)

// PanicHandler decides what happens after a worker panics outside message
// processing. Returning true asks the pool to start a replacement worker.
type PanicHandler interface {
	HandlePanic(workerID string, panicValue any, stackTrace []byte) bool
}

// DefaultPanicHandler logs the panic with its stack and always asks for a
// replacement.
type DefaultPanicHandler struct {
	logger *slog.Logger
}

// NewDefaultPanicHandler returns a DefaultPanicHandler logging to logger, or
// to slog.Default() when logger is nil.
func NewDefaultPanicHandler(logger *slog.Logger) *DefaultPanicHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultPanicHandler{logger: logger.With(slog.String("component", "queue.panic"))}
}

// HandlePanic implements PanicHandler.
func (h *DefaultPanicHandler) HandlePanic(workerID string, panicValue any, stackTrace []byte) bool {
	h.logger.ErrorContext(context.Background(), "PANIC in worker, replacing it",
		slog.String("worker_id", workerID),
		slog.Any("panic", panicValue),
		slog.String("stack_trace", string(stackTrace)))
	return true
}

// PanicHandlerFunc lets a plain function serve as a PanicHandler.
type PanicHandlerFunc func(workerID string, panicValue any, stackTrace []byte) bool

// HandlePanic calls f.
func (f PanicHandlerFunc) HandlePanic(workerID string, panicValue any, stackTrace []byte) bool {
	return f(workerID, panicValue, stackTrace)
}

// HandleRecoveredPanic passes a value returned by recover to handler along
// with the current stack, falling back to DefaultPanicHandler. It must be
// called from the deferred function that recovered.
func HandleRecoveredPanic(workerID string, panicValue any, handler PanicHandler) bool {
	if handler == nil {
		handler = NewDefaultPanicHandler(nil)
	}
	return handler.HandlePanic(workerID, panicValue, debug.Stack())
}

package chat

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Handler receives events from the messenger and hands each one to an
// EventHandler in its own goroutine.
type Handler struct {
	messenger Messenger
	events    EventHandler
	logger    *slog.Logger
	wg        sync.WaitGroup
	mu        sync.RWMutex
	running   bool
}

// HandlerOption configures the handler.
type HandlerOption func(*Handler)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler creates a new inbound handler.
func NewHandler(messenger Messenger, events EventHandler, opts ...HandlerOption) (*Handler, error) {
	if messenger == nil {
		return nil, fmt.Errorf("messenger is required")
	}
	if events == nil {
		return nil, fmt.Errorf("event handler is required")
	}

	h := &Handler{
		messenger: messenger,
		events:    events,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(slog.String("component", "chat_handler"))

	return h, nil
}

// Start processes events until ctx is canceled, then waits for in-flight
// events to finish.
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("handler already running")
	}
	h.running = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
	}()

	events, err := h.messenger.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	h.logger.InfoContext(ctx, "chat handler started")

	h.processEvents(ctx, events)

	h.logger.InfoContext(context.WithoutCancel(ctx), "chat handler stopping")
	h.wg.Wait()
	h.logger.InfoContext(context.WithoutCancel(ctx), "chat handler stopped")
	return nil
}

func (h *Handler) processEvents(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			h.logger.DebugContext(ctx, "event processor stopping due to context cancellation")
			return

		case event, ok := <-events:
			if !ok {
				h.logger.DebugContext(ctx, "event channel closed")
				return
			}

			h.wg.Add(1)
			go h.handleEvent(ctx, event)
		}
	}
}

func (h *Handler) handleEvent(ctx context.Context, event Event) {
	defer h.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			h.logger.ErrorContext(ctx, "PANIC in event handler",
				slog.String("kind", event.Kind.String()),
				slog.Int64("user_id", event.UserID),
				slog.Any("panic", r),
				slog.String("stack_trace", string(debug.Stack())))
		}
	}()

	h.logger.DebugContext(ctx, "received event",
		slog.String("kind", event.Kind.String()),
		slog.Int64("user_id", event.UserID),
		slog.Int64("chat_id", event.ChatID),
		slog.Int("text_length", len(event.Text)))

	h.events.Handle(ctx, event)
}

// IsRunning returns whether the handler is currently running.
func (h *Handler) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultTypingInterval is how often the typing indicator is refreshed.
	// Clients hide it after about five seconds.
	DefaultTypingInterval = 4 * time.Second
)

// TypingIndicatorManager manages typing indicators for multiple chats.
type TypingIndicatorManager interface {
	// Start begins sending typing indicators to a chat.
	Start(ctx context.Context, chatID int64) error

	// Stop stops sending typing indicators to a chat.
	Stop(chatID int64)

	// StopAll stops all active typing indicators.
	StopAll()
}

type typingIndicator struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type typingManager struct {
	messenger  Messenger
	indicators map[int64]*typingIndicator
	logger     *slog.Logger
	mu         sync.Mutex
	interval   time.Duration
}

// NewTypingIndicatorManager creates a typing indicator manager with the default interval.
func NewTypingIndicatorManager(messenger Messenger, logger *slog.Logger) TypingIndicatorManager {
	return NewTypingIndicatorManagerWithInterval(messenger, DefaultTypingInterval, logger)
}

// NewTypingIndicatorManagerWithInterval creates a typing indicator manager with a custom interval.
func NewTypingIndicatorManagerWithInterval(
	messenger Messenger,
	interval time.Duration,
	logger *slog.Logger,
) TypingIndicatorManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &typingManager{
		messenger:  messenger,
		indicators: make(map[int64]*typingIndicator),
		logger:     logger,
		interval:   interval,
	}
}

// Start begins sending typing indicators to a chat.
func (m *typingManager) Start(ctx context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.indicators[chatID]; exists {
		return fmt.Errorf("typing indicator already active for chat %d", chatID)
	}

	indicatorCtx, cancel := context.WithCancel(ctx)
	indicator := &typingIndicator{cancel: cancel, done: make(chan struct{})}
	m.indicators[chatID] = indicator

	go m.runIndicator(indicatorCtx, chatID, indicator.done)

	return nil
}

// Stop stops the indicator for a chat and waits for its goroutine to exit.
func (m *typingManager) Stop(chatID int64) {
	m.mu.Lock()
	indicator, exists := m.indicators[chatID]
	if exists {
		delete(m.indicators, chatID)
	}
	m.mu.Unlock()

	if exists {
		indicator.cancel()
		<-indicator.done
	}
}

// StopAll stops all active typing indicators.
func (m *typingManager) StopAll() {
	m.mu.Lock()
	active := m.indicators
	m.indicators = make(map[int64]*typingIndicator)
	m.mu.Unlock()

	for _, indicator := range active {
		indicator.cancel()
		<-indicator.done
	}
}

func (m *typingManager) runIndicator(ctx context.Context, chatID int64, done chan<- struct{}) {
	defer close(done)

	if err := m.messenger.SendTyping(ctx, chatID); err != nil && ctx.Err() == nil {
		m.logger.DebugContext(ctx, "failed to send initial typing indicator",
			slog.Int64("chat_id", chatID),
			slog.Any("error", err))
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := m.messenger.SendTyping(ctx, chatID); err != nil && ctx.Err() == nil {
				m.logger.DebugContext(ctx, "failed to send typing indicator",
					slog.Int64("chat_id", chatID),
					slog.Any("error", err))
			}
		}
	}
}

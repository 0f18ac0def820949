package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is one chat message waiting for, or undergoing, generation.
type Message struct {
	QueuedAt  time.Time
	ID        string
	Username  string
	FirstName string
	Text      string
	UserID    int64 // Conversation key: messages of one user are processed in order
	ChatID    int64

	mu    sync.RWMutex
	state State
	err   error
}

// NewMessage creates a queued message with a fresh id.
func NewMessage(userID, chatID int64, text string) *Message {
	return &Message{
		ID:       uuid.New().String(),
		UserID:   userID,
		ChatID:   chatID,
		Text:     text,
		QueuedAt: time.Now(),
		state:    StateQueued,
	}
}

// GetState returns the current state.
func (m *Message) GetState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SetError records the processing error.
func (m *Message) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Err returns the recorded processing error.
func (m *Message) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

package queue

import (
	"errors"
	"fmt"
)

// Common queue errors.
var (
	// ErrRateLimited indicates the user sent messages faster than allowed.
	ErrRateLimited = errors.New("rate limited")

	// ErrQueueStopped indicates the queue has been stopped.
	ErrQueueStopped = errors.New("queue stopped")

	// ErrSubmitTimeout indicates the manager did not accept a message in time.
	ErrSubmitTimeout = errors.New("timeout submitting message")
)

// PanicError is a panic recovered while processing a message.
type PanicError struct {
	Value     any
	MessageID string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic while processing message %s: %v", e.MessageID, e.Value)
}

package gate

import (
	"errors"
	"fmt"
)

// Common gate errors.
var (
	// ErrEmptyGeneration indicates the engine produced no tokens.
	ErrEmptyGeneration = errors.New("empty generation")

	// ErrGenerationTimeout indicates the generation ran past its deadline.
	ErrGenerationTimeout = errors.New("generation timed out")
)

// GenerationError wraps a failure raised by the engine while generating.
type GenerationError struct {
	RequestID string
	Partial   string // Text produced before the failure
	Err       error
	Panicked  bool
}

// Error implements the error interface.
func (e *GenerationError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("generation %s panicked: %v", e.RequestID, e.Err)
	}
	return fmt.Sprintf("generation %s failed: %v", e.RequestID, e.Err)
}

// Unwrap returns the underlying error.
func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Package engine defines the text-generation collaborator.
//
// An Engine is not assumed to be reentrant; callers share it through the
// generation gate.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// Params are the generation limits passed with every prompt.
type Params struct {
	MaxTokens int      // Maximum number of tokens to produce
	TopP      float64  // Nucleus sampling parameter
	Stop      []string // Stop sequences
}

// DefaultParams returns a 240-token, top-p 1 budget stopping at "</s>".
func DefaultParams() Params {
	return Params{
		MaxTokens: 240,
		TopP:      1,
		Stop:      []string{"</s>"},
	}
}

// Token is one fragment of generated text.
// A non-empty FinishReason marks the end of generation; its Text is not part
// of the output.
type Token struct {
	Text         string
	FinishReason string
}

// Done reports whether the token ends the generation.
func (t Token) Done() bool {
	return t.FinishReason != ""
}

// TokenStream yields tokens until it returns io.EOF or an error.
type TokenStream interface {
	// Recv blocks until the next token is available.
	Recv() (Token, error)

	// Close releases the underlying resources. Safe to call more than once.
	Close() error
}

// Engine starts streaming generations.
type Engine interface {
	// Stream starts generating text for prompt. Canceling ctx aborts the
	// generation and unblocks Recv.
	Stream(ctx context.Context, prompt string, params Params) (TokenStream, error)
}

// ErrEngineUnavailable indicates the engine could not be reached.
var ErrEngineUnavailable = errors.New("engine unavailable")

// Error is a failure reported by the engine itself.
type Error struct {
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("engine error (status %d): %s", e.StatusCode, e.Message)
	}
	return "engine error: " + e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

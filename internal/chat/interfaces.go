// Package chat provides interfaces for the messaging transport.
package chat

import (
	"context"
	"errors"
)

// ErrEditConflict indicates the transport rejected an edit, typically because
// the new content equals the current content. Callers treat it as harmless.
var ErrEditConflict = errors.New("edit rejected: message not modified")

// Messenger abstracts the chat platform.
type Messenger interface {
	// Send sends a message with an optional inline keyboard
	Send(ctx context.Context, chatID int64, text string, keyboard *Keyboard) (MessageRef, error)

	// Edit replaces the text of a previously sent message
	Edit(ctx context.Context, ref MessageRef, text string) error

	// SendTyping shows the typing indicator in the chat
	SendTyping(ctx context.Context, chatID int64) error

	// AnswerCallback acknowledges a keyboard button press
	AnswerCallback(ctx context.Context, callbackID string, text string) error

	// Subscribe returns a channel of inbound events
	Subscribe(ctx context.Context) (<-chan Event, error)

	// SetCommands registers the command menu shown by clients
	SetCommands(ctx context.Context, commands []Command) error
}

// EventHandler processes one inbound event.
type EventHandler interface {
	Handle(ctx context.Context, event Event)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event)

// Handle calls f.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) {
	f(ctx, event)
}

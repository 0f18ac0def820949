package queue

import "context"

// Processor handles one dequeued message. Implementations must be safe for
// concurrent use: different users are processed in parallel.
type Processor interface {
	// Process runs the message to completion. A nil error marks the message
	// completed; any other error marks it failed.
	Process(ctx context.Context, msg *Message) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, msg *Message) error

// Process calls f(ctx, msg).
func (f ProcessorFunc) Process(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// RateLimitNotifier is optionally implemented by a Processor that wants to
// tell users their message was dropped by the rate limiter.
type RateLimitNotifier interface {
	NotifyRateLimited(ctx context.Context, msg *Message)
}

// RateLimiter decides whether a user may have another message processed.
type RateLimiter interface {
	Allow(userID int64) bool
}

// Worker pulls messages from a Manager and processes them.
type Worker interface {
	// Start processes messages until ctx is canceled or the manager stops.
	Start(ctx context.Context) error

	// ID returns the worker's unique identifier.
	ID() string
}

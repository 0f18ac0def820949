package dispatch

import "errors"

// ErrUnauthorized indicates the sender is not on the allow-list. Such events
// are dropped without a reply.
var ErrUnauthorized = errors.New("sender not allowed")

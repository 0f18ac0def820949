package queue

import (
	"errors"
	"fmt"
	"sync"
)

// ConversationQueue holds one user's pending messages. Messages leave in
// arrival order and only one may be out for processing at a time, so a
// user's replies never interleave.
type ConversationQueue struct {
	pending  []*Message
	inFlight *Message
	userID   int64
	mu       sync.Mutex
}

// NewConversationQueue creates an empty queue owned by userID.
func NewConversationQueue(userID int64) *ConversationQueue {
	return &ConversationQueue{userID: userID}
}

// Enqueue appends msg. Messages from other users are rejected.
func (cq *ConversationQueue) Enqueue(msg *Message) error {
	if msg == nil {
		return errors.New("cannot enqueue nil message")
	}
	if msg.UserID != cq.userID {
		return fmt.Errorf("message for user %d sent to queue of user %d", msg.UserID, cq.userID)
	}

	cq.mu.Lock()
	cq.pending = append(cq.pending, msg)
	cq.mu.Unlock()
	return nil
}

// PushFront puts msg back at the head, ahead of everything pending. Used when
// a message was handed to a worker that went away before taking it.
func (cq *ConversationQueue) PushFront(msg *Message) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	cq.pending = append([]*Message{msg}, cq.pending...)
}

// Dequeue hands out the oldest pending message and marks it in flight. It
// returns nil while another message is in flight or nothing is pending.
func (cq *ConversationQueue) Dequeue() *Message {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.inFlight != nil || len(cq.pending) == 0 {
		return nil
	}

	msg := cq.pending[0]
	cq.pending[0] = nil
	cq.pending = cq.pending[1:]
	cq.inFlight = msg
	return msg
}

// Complete releases the in-flight slot.
func (cq *ConversationQueue) Complete() {
	cq.mu.Lock()
	cq.inFlight = nil
	cq.mu.Unlock()
}

// Size returns the number of pending messages, excluding the one in flight.
func (cq *ConversationQueue) Size() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.pending)
}

// IsProcessing reports whether a message is in flight.
func (cq *ConversationQueue) IsProcessing() bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.inFlight != nil
}

// IsEmpty reports whether the queue has nothing pending and nothing in flight.
func (cq *ConversationQueue) IsEmpty() bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.pending) == 0 && cq.inFlight == nil
}

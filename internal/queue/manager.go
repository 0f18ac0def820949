package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Manager constants.
const (
	// incomingBufferSize is the buffer size for submitted messages.
	incomingBufferSize = 100
	// requestBufferSize is the buffer size for worker requests.
	requestBufferSize = 10
	// submitTimeout bounds how long Submit waits for the coordinator.
	submitTimeout = 5 * time.Second
)

// Manager orchestrates per-user queues with fair scheduling across users.
// A user never has more than one message in processing.
type Manager struct {
	ctx               context.Context
	cancel            context.CancelFunc
	logger            *slog.Logger
	queues            map[int64]*ConversationQueue
	incomingCh        chan *Message
	requestCh         chan chan *Message
	conversationOrder []int64
	waitingWorkers    []chan *Message
	abandoned         map[chan *Message]struct{}
	started           chan struct{}
	stopped           chan struct{}
	currentIndex      int
	mu                sync.RWMutex
	shutdown          bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a new queue manager.
func NewManager(ctx context.Context, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(ctx)

	m := &Manager{
		queues:            make(map[int64]*ConversationQueue),
		incomingCh:        make(chan *Message, incomingBufferSize),
		requestCh:         make(chan chan *Message, requestBufferSize),
		waitingWorkers:    make([]chan *Message, 0),
		abandoned:         make(map[chan *Message]struct{}),
		conversationOrder: make([]int64, 0),
		ctx:               ctx,
		cancel:            cancel,
		logger:            slog.Default(),
		started:           make(chan struct{}),
		stopped:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "queue"))
	return m
}

// Start runs the coordinator until the manager is shut down or its context
// ends. This should be called in a goroutine.
func (m *Manager) Start() {
	defer close(m.stopped)
	defer m.cleanup()

	close(m.started)

	for {
		select {
		case <-m.ctx.Done():
			return

		case msg := <-m.incomingCh:
			if err := m.enqueue(msg); err != nil {
				msg.SetError(err)
				_ = msg.Transition(StateFailed)
				m.failed.Add(1)
				continue
			}
			m.tryDispatch()

		case workerCh := <-m.requestCh:
			m.mu.Lock()
			if _, gone := m.abandoned[workerCh]; gone {
				delete(m.abandoned, workerCh)
			} else if msg := m.getNextMessageLocked(); msg != nil {
				workerCh <- msg
			} else {
				m.waitingWorkers = append(m.waitingWorkers, workerCh)
			}
			m.mu.Unlock()
		}
	}
}

// Submit adds a message to its user's queue.
func (m *Manager) Submit(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("cannot submit nil message")
	}

	m.mu.RLock()
	if m.shutdown {
		m.mu.RUnlock()
		return ErrQueueStopped
	}
	m.mu.RUnlock()

	timer := time.NewTimer(submitTimeout)
	defer timer.Stop()

	select {
	case m.incomingCh <- msg:
		m.submitted.Add(1)
		return nil
	case <-m.ctx.Done():
		return ErrQueueStopped
	case <-timer.C:
		return ErrSubmitTimeout
	}
}

// RequestMessage is called by workers to get the next message to process.
// It returns nil, nil when the manager shuts down.
func (m *Manager) RequestMessage(ctx context.Context) (*Message, error) {
	respCh := make(chan *Message, 1)

	select {
	case m.requestCh <- respCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.ctx.Done():
		return nil, nil
	}

	select {
	case msg := <-respCh:
		if msg != nil {
			if err := msg.Transition(StateProcessing); err != nil {
				m.logger.Warn("failed to transition message to processing",
					slog.String("message_id", msg.ID),
					slog.Any("error", err))
			}
		}
		return msg, nil
	case <-ctx.Done():
		m.abandon(respCh)
		return nil, ctx.Err()
	case <-m.ctx.Done():
		return nil, nil
	}
}

// CompleteMessage marks a message as done and frees its user's queue.
func (m *Manager) CompleteMessage(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("cannot complete nil message")
	}

	switch msg.GetState() {
	case StateCompleted:
		m.completed.Add(1)
	case StateDropped:
		m.dropped.Add(1)
	case StateQueued, StateProcessing, StateFailed:
		m.failed.Add(1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	queue, exists := m.queues[msg.UserID]
	if !exists {
		return fmt.Errorf("no queue found for user %d", msg.UserID)
	}

	queue.Complete()

	if queue.IsEmpty() {
		m.removeQueueLocked(msg.UserID)
	}

	// The freed user may have more messages waiting.
	m.dispatchLocked()

	return nil
}

// Shutdown gracefully stops the queue manager.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()

	m.cancel()

	select {
	case <-m.started:
	default:
		// Start() was never called, nothing to wait for
		return nil
	}

	select {
	case <-m.stopped:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}

// enqueue adds a message to the appropriate user queue.
func (m *Manager) enqueue(msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue, exists := m.queues[msg.UserID]
	if !exists {
		queue = NewConversationQueue(msg.UserID)
		m.queues[msg.UserID] = queue
		m.conversationOrder = append(m.conversationOrder, msg.UserID)
	}

	return queue.Enqueue(msg)
}

// abandon withdraws a worker request. A message already handed to the
// worker goes back to the head of its user's queue.
func (m *Manager) abandon(workerCh chan *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, ch := range m.waitingWorkers {
		if ch == workerCh {
			m.waitingWorkers = append(m.waitingWorkers[:i], m.waitingWorkers[i+1:]...)
			return
		}
	}

	select {
	case msg := <-workerCh:
		if msg == nil {
			return
		}
		if queue, exists := m.queues[msg.UserID]; exists {
			queue.Complete()
			queue.PushFront(msg)
			m.dispatchLocked()
		}
	default:
		// The coordinator has not seen the request yet.
		m.abandoned[workerCh] = struct{}{}
	}
}

// tryDispatch attempts to send messages to waiting workers.
func (m *Manager) tryDispatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatchLocked()
}

func (m *Manager) dispatchLocked() {
	for len(m.waitingWorkers) > 0 {
		msg := m.getNextMessageLocked()
		if msg == nil {
			return
		}

		workerCh := m.waitingWorkers[0]
		m.waitingWorkers = m.waitingWorkers[1:]

		// Worker channels are buffered with room for exactly one message.
		workerCh <- msg
	}
}

// getNextMessageLocked implements round-robin scheduling across users.
// Callers must hold m.mu.
func (m *Manager) getNextMessageLocked() *Message {
	attemptsLeft := len(m.conversationOrder)
	for attemptsLeft > 0 {
		if m.currentIndex >= len(m.conversationOrder) {
			m.currentIndex = 0
		}

		userID := m.conversationOrder[m.currentIndex]
		queue, exists := m.queues[userID]
		if !exists {
			m.conversationOrder = append(
				m.conversationOrder[:m.currentIndex],
				m.conversationOrder[m.currentIndex+1:]...,
			)
			attemptsLeft--
			continue
		}

		// Move to next user for fairness
		m.currentIndex++

		if msg := queue.Dequeue(); msg != nil {
			return msg
		}

		// Don't clean up queues while processing - CompleteMessage needs them
		if queue.IsEmpty() {
			m.removeQueueLocked(userID)
		}

		attemptsLeft--
	}

	return nil
}

func (m *Manager) removeQueueLocked(userID int64) {
	delete(m.queues, userID)
	for i, id := range m.conversationOrder {
		if id == userID {
			m.conversationOrder = append(m.conversationOrder[:i], m.conversationOrder[i+1:]...)
			if m.currentIndex > i {
				m.currentIndex--
			}
			return
		}
	}
}

// cleanup unblocks waiting workers when shutting down.
func (m *Manager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, workerCh := range m.waitingWorkers {
		select {
		case workerCh <- nil:
		default:
		}
	}
	m.waitingWorkers = nil
}

// Stats returns current queue statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Conversations:  len(m.queues),
		WaitingWorkers: len(m.waitingWorkers),
		Submitted:      m.submitted.Load(),
		Completed:      m.completed.Load(),
		Failed:         m.failed.Load(),
		Dropped:        m.dropped.Load(),
	}
	for _, queue := range m.queues {
		stats.Queued += queue.Size()
		if queue.IsProcessing() {
			stats.Processing++
		}
	}
	return stats
}

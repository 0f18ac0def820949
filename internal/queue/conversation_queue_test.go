package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestConversationQueue_FIFO(t *testing.T) {
	cq := NewConversationQueue(42)

	first := NewMessage(42, 1, "first")
	second := NewMessage(42, 1, "second")
	require.NoError(t, cq.Enqueue(first))
	require.NoError(t, cq.Enqueue(second))
	assert.Equal(t, 2, cq.Size())

	got := cq.Dequeue()
	require.NotNil(t, got)
	assert.Equal(t, "first", got.Text)
	assert.True(t, cq.IsProcessing())

	// Only one message may be in processing at a time.
	assert.Nil(t, cq.Dequeue())

	cq.Complete()
	got = cq.Dequeue()
	require.NotNil(t, got)
	assert.Equal(t, "second", got.Text)

	cq.Complete()
	assert.True(t, cq.IsEmpty())
}

func TestConversationQueue_PushFront(t *testing.T) {
	cq := NewConversationQueue(7)
	require.NoError(t, cq.Enqueue(NewMessage(7, 1, "later")))

	cq.PushFront(NewMessage(7, 1, "again"))

	got := cq.Dequeue()
	require.NotNil(t, got)
	assert.Equal(t, "again", got.Text)
}

func TestConversationQueue_RejectsForeignMessages(t *testing.T) {
	cq := NewConversationQueue(1)

	assert.Error(t, cq.Enqueue(nil))
	assert.Error(t, cq.Enqueue(NewMessage(2, 2, "not mine")))
	assert.True(t, cq.IsEmpty())
}

func TestMessage_Transitions(t *testing.T) {
	msg := NewMessage(1, 1, "hi")
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, StateQueued, msg.GetState())

	assert.Error(t, msg.Transition(StateCompleted))
	require.NoError(t, msg.Transition(StateProcessing))
	require.NoError(t, msg.Transition(StateDropped))
	assert.True(t, msg.GetState().IsTerminal())
	assert.Error(t, msg.Transition(StateProcessing))

	assert.True(t, CanTransition(StateQueued, StateFailed))
	assert.False(t, CanTransition(StateFailed, StateQueued))
	assert.False(t, StateProcessing.IsTerminal())
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	assert.True(t, rl.Allow(1))
	assert.True(t, rl.Allow(1))
	assert.False(t, rl.Allow(1), "burst exhausted")
	assert.True(t, rl.Allow(2), "users are limited independently")
	assert.Equal(t, 2, rl.Len())

	assert.Equal(t, 0, rl.CleanupStale(time.Hour))
	assert.Equal(t, 2, rl.CleanupStale(-time.Second))
	assert.Equal(t, 0, rl.Len())
}

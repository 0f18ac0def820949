package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(context.Background())
	go m.Start()
	t.Cleanup(func() {
		require.NoError(t, m.Shutdown(time.Second))
	})
	return m
}

func request(t *testing.T, m *Manager) *Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := m.RequestMessage(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	return msg
}

func waitQueued(t *testing.T, m *Manager, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Stats().Queued == n
	}, time.Second, time.Millisecond)
}

func TestManager_SubmitAndRequest(t *testing.T) {
	m := startManager(t)

	msg := NewMessage(1, 10, "hello")
	require.NoError(t, m.Submit(msg))

	got := request(t, m)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, StateProcessing, got.GetState())

	require.NoError(t, got.Transition(StateCompleted))
	require.NoError(t, m.CompleteMessage(got))

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Submitted)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, 0, stats.Conversations)
}

func TestManager_OneInFlightPerUser(t *testing.T) {
	m := startManager(t)

	first := NewMessage(1, 10, "first")
	second := NewMessage(1, 10, "second")
	require.NoError(t, m.Submit(first))
	require.NoError(t, m.Submit(second))
	waitQueued(t, m, 2)

	got := request(t, m)
	assert.Equal(t, "first", got.Text)

	// The second message must wait until the first completes.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	blocked, err := m.RequestMessage(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, blocked)

	require.NoError(t, m.CompleteMessage(got))

	got = request(t, m)
	assert.Equal(t, "second", got.Text)
	require.NoError(t, m.CompleteMessage(got))
}

func TestManager_RoundRobinAcrossUsers(t *testing.T) {
	m := startManager(t)

	require.NoError(t, m.Submit(NewMessage(1, 10, "a1")))
	require.NoError(t, m.Submit(NewMessage(1, 10, "a2")))
	require.NoError(t, m.Submit(NewMessage(2, 20, "b1")))
	waitQueued(t, m, 3)

	a1 := request(t, m)
	b1 := request(t, m)
	assert.Equal(t, "a1", a1.Text)
	assert.Equal(t, "b1", b1.Text)

	stats := m.Stats()
	assert.Equal(t, 2, stats.Processing)
	assert.Equal(t, 1, stats.Queued)

	require.NoError(t, m.CompleteMessage(a1))
	require.NoError(t, m.CompleteMessage(b1))

	a2 := request(t, m)
	assert.Equal(t, "a2", a2.Text)
	require.NoError(t, m.CompleteMessage(a2))
}

func TestManager_WaitingWorkerReceivesLaterMessage(t *testing.T) {
	m := startManager(t)

	got := make(chan *Message, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		msg, _ := m.RequestMessage(ctx)
		got <- msg
	}()

	require.Eventually(t, func() bool {
		return m.Stats().WaitingWorkers == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, m.Submit(NewMessage(3, 30, "late")))

	msg := <-got
	require.NotNil(t, msg)
	assert.Equal(t, "late", msg.Text)
	require.NoError(t, m.CompleteMessage(msg))
}

func TestManager_Shutdown(t *testing.T) {
	m := NewManager(context.Background())
	go m.Start()

	require.NoError(t, m.Shutdown(time.Second))

	assert.ErrorIs(t, m.Submit(NewMessage(1, 1, "x")), ErrQueueStopped)

	msg, err := m.RequestMessage(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, msg)
}

func TestManager_ShutdownWithoutStart(t *testing.T) {
	m := NewManager(context.Background())
	assert.NoError(t, m.Shutdown(time.Second))
}

func TestManager_Errors(t *testing.T) {
	m := startManager(t)

	assert.Error(t, m.Submit(nil))
	assert.Error(t, m.CompleteMessage(nil))
	assert.Error(t, m.CompleteMessage(NewMessage(99, 1, "unknown user")))
}

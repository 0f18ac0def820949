package chat_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Veraticus/llamagram/internal/chat"
	"github.com/Veraticus/llamagram/internal/mocks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingHandler struct {
	mu      sync.Mutex
	events  []chat.Event
	block   chan struct{}
	arrived atomic.Int32
}

func (r *recordingHandler) Handle(_ context.Context, event chat.Event) {
	r.arrived.Add(1)
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingHandler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestNewHandler(t *testing.T) {
	_, err := chat.NewHandler(nil, &recordingHandler{})
	assert.EqualError(t, err, "messenger is required")

	_, err = chat.NewHandler(mocks.NewFakeMessenger(), nil)
	assert.EqualError(t, err, "event handler is required")

	h, err := chat.NewHandler(mocks.NewFakeMessenger(), &recordingHandler{})
	require.NoError(t, err)
	assert.False(t, h.IsRunning())
}

func TestHandler_DispatchesEventsConcurrently(t *testing.T) {
	messenger := mocks.NewFakeMessenger()
	rec := &recordingHandler{block: make(chan struct{})}
	h, err := chat.NewHandler(messenger, rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx) }()

	for i := range 3 {
		messenger.Emit(chat.Event{Kind: chat.EventText, UserID: int64(i), Text: "hi"})
	}

	require.Eventually(t, h.IsRunning, time.Second, time.Millisecond)

	// All three are inside Handle at once.
	require.Eventually(t, func() bool { return rec.arrived.Load() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, rec.count())
	close(rec.block)
	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("handler did not stop")
	}
	assert.False(t, h.IsRunning())
}

func TestHandler_WaitsForInFlightEvents(t *testing.T) {
	messenger := mocks.NewFakeMessenger()
	rec := &recordingHandler{block: make(chan struct{})}
	h, err := chat.NewHandler(messenger, rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx) }()

	messenger.Emit(chat.Event{Kind: chat.EventText, UserID: 1})
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
		t.Fatal("Start returned while an event was still being handled")
	case <-time.After(50 * time.Millisecond):
	}

	close(rec.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, rec.count())
}

func TestHandler_RecoversPanics(t *testing.T) {
	messenger := mocks.NewFakeMessenger()
	var calls sync.WaitGroup
	calls.Add(2)
	h, err := chat.NewHandler(messenger, chat.EventHandlerFunc(func(_ context.Context, event chat.Event) {
		defer calls.Done()
		if event.Text == "boom" {
			panic("handler exploded")
		}
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx) }()

	messenger.Emit(chat.Event{Text: "boom"})
	messenger.Emit(chat.Event{Text: "fine"})
	calls.Wait()

	cancel()
	require.NoError(t, <-done)
}

func TestHandler_SubscribeError(t *testing.T) {
	messenger := mocks.NewFakeMessenger()
	messenger.SubscribeErr = errors.New("no updates")
	h, err := chat.NewHandler(messenger, &recordingHandler{})
	require.NoError(t, err)

	err = h.Start(context.Background())
	assert.ErrorContains(t, err, "no updates")
	assert.False(t, h.IsRunning())
}

func TestHandler_StopsWhenChannelCloses(t *testing.T) {
	messenger := mocks.NewFakeMessenger()
	h, err := chat.NewHandler(messenger, &recordingHandler{})
	require.NoError(t, err)

	messenger.CloseEvents()
	require.NoError(t, h.Start(context.Background()))
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text     string
		name     string
		args     string
		expectOK bool
	}{
		{text: "/start", name: "start", expectOK: true},
		{text: "/New_Chat@llamabot", name: "new_chat", expectOK: true},
		{text: "/template pirate ", name: "template", args: "pirate", expectOK: true},
		{text: "hello", expectOK: false},
		{text: "/", expectOK: false},
		{text: "/@bot", expectOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			name, args, ok := chat.ParseCommand(tt.text)
			assert.Equal(t, tt.expectOK, ok)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestNewKeyboard(t *testing.T) {
	kb := chat.NewKeyboard(chat.Button{Text: "A", Data: "a"}, chat.Button{Text: "B", Data: "b"})
	assert.Equal(t, [][]chat.Button{{{Text: "A", Data: "a"}}, {{Text: "B", Data: "b"}}}, kb.Rows)
}

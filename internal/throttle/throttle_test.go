package throttle_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Veraticus/llamagram/internal/chat"
	"github.com/Veraticus/llamagram/internal/throttle"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu    sync.Mutex
	texts []string
	fail  func(text string) error
}

func (r *recorder) emit(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	if r.fail != nil {
		return r.fail(text)
	}
	return nil
}

func (r *recorder) emitted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func feed(snapshots ...string) <-chan string {
	ch := make(chan string, len(snapshots))
	for _, s := range snapshots {
		ch <- s
	}
	close(ch)
	return ch
}

func TestThrottler_EmitsEverySnapshotWithoutInterval(t *testing.T) {
	rec := &recorder{}
	th := throttle.New(throttle.Config{})

	last, stats := th.RunStats(context.Background(), feed("Hi", "Hi there"), rec.emit)

	assert.Equal(t, "Hi there", last)
	assert.Equal(t, []string{"Hi", "Hi there"}, rec.emitted())
	assert.Equal(t, throttle.Stats{Received: 2, Emitted: 2}, stats)
}

func TestThrottler_ConflictsDoNotAbort(t *testing.T) {
	rec := &recorder{fail: func(text string) error {
		if text == "same" {
			return fmt.Errorf("wrapped: %w", chat.ErrEditConflict)
		}
		return nil
	}}
	th := throttle.New(throttle.Config{})

	last := th.Run(context.Background(), feed("a", "same", "same", "b"), rec.emit)

	assert.Equal(t, "b", last)
	assert.Equal(t, []string{"a", "same", "same", "b"}, rec.emitted())
}

func TestThrottler_OtherErrorsDoNotAbort(t *testing.T) {
	rec := &recorder{fail: func(string) error { return errors.New("network down") }}
	th := throttle.New(throttle.Config{})

	last, stats := th.RunStats(context.Background(), feed("a", "ab"), rec.emit)

	assert.Equal(t, "ab", last)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 0, stats.Emitted)
}

func TestThrottler_CoalescesAndAlwaysEmitsFinal(t *testing.T) {
	rec := &recorder{}
	th := throttle.New(throttle.Config{Interval: 50 * time.Millisecond})

	snapshots := make([]string, 10)
	for i := range snapshots {
		snapshots[i] = fmt.Sprintf("s%d", i)
	}

	start := time.Now()
	last, stats := th.RunStats(context.Background(), feed(snapshots...), rec.emit)
	elapsed := time.Since(start)

	emitted := rec.emitted()
	assert.Equal(t, "s9", last)
	require.NotEmpty(t, emitted)
	assert.Equal(t, "s0", emitted[0], "first snapshot goes out immediately")
	assert.Equal(t, "s9", emitted[len(emitted)-1], "final snapshot is always emitted")
	assert.LessOrEqual(t, len(emitted), 2)
	assert.Equal(t, 10, stats.Received)
	assert.Positive(t, stats.Coalesced)
	assert.Less(t, elapsed, time.Second)
}

func TestThrottler_SpacesEmits(t *testing.T) {
	var (
		mu    sync.Mutex
		times []time.Time
	)
	emit := func(context.Context, string) error {
		mu.Lock()
		defer mu.Unlock()
		times = append(times, time.Now())
		return nil
	}
	th := throttle.New(throttle.Config{Interval: 30 * time.Millisecond})

	updates := make(chan string)
	done := make(chan string)
	go func() { done <- th.Run(context.Background(), updates, emit) }()

	for i := range 20 {
		updates <- fmt.Sprintf("t%d", i)
		time.Sleep(5 * time.Millisecond)
	}
	close(updates)
	assert.Equal(t, "t19", <-done)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(times), 2)
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 20*time.Millisecond)
	}
}

func TestThrottler_EditTimeoutCapsWait(t *testing.T) {
	emit := func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}
	th := throttle.New(throttle.Config{EditTimeout: 20 * time.Millisecond})

	start := time.Now()
	last, stats := th.RunStats(context.Background(), feed("a", "b"), emit)

	assert.Equal(t, "b", last)
	assert.Equal(t, 2, stats.Failed)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestThrottler_StopsOnContextCancel(t *testing.T) {
	rec := &recorder{}
	th := throttle.New(throttle.Config{})

	updates := make(chan string, 1)
	updates <- "partial"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan string)
	go func() { done <- th.Run(ctx, updates, rec.emit) }()

	require.Eventually(t, func() bool { return len(rec.emitted()) == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case last := <-done:
		assert.Equal(t, "partial", last)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// Package throttle turns a stream of full-text snapshots into rate-bounded
// edits of a single outbound message.
package throttle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/Veraticus/llamagram/internal/chat"
)

// DefaultEditTimeout bounds a single emit.
const DefaultEditTimeout = 10 * time.Second

// EmitFunc delivers one snapshot.
type EmitFunc func(ctx context.Context, text string) error

// Config configures a Throttler.
type Config struct {
	// Interval is the minimum spacing between emits. Zero attempts every snapshot.
	Interval time.Duration

	// EditTimeout caps the wait on each emit.
	EditTimeout time.Duration
}

// Throttler bounds how often snapshots are emitted. Snapshots that arrive
// while the limit is reached are coalesced into the latest one. Emit failures
// are logged and never end the run.
type Throttler struct {
	config Config
	logger *slog.Logger
}

// Option configures a Throttler.
type Option func(*Throttler)

// WithLogger sets the throttler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Throttler) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New creates a throttler.
func New(config Config, opts ...Option) *Throttler {
	if config.EditTimeout <= 0 {
		config.EditTimeout = DefaultEditTimeout
	}
	if config.Interval < 0 {
		config.Interval = 0
	}
	t := &Throttler{config: config, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(slog.String("component", "throttle"))
	return t
}

// Stats describes one run.
type Stats struct {
	Received  int
	Emitted   int
	Failed    int
	Coalesced int
}

// Run consumes updates until the channel is closed or ctx ends and returns the
// last snapshot received. The final snapshot is always emitted unless ctx
// ended first.
func (t *Throttler) Run(ctx context.Context, updates <-chan string, emit EmitFunc) string {
	last, _ := t.RunStats(ctx, updates, emit)
	return last
}

// RunStats is Run that also reports what happened.
func (t *Throttler) RunStats(ctx context.Context, updates <-chan string, emit EmitFunc) (string, Stats) {
	limit := rate.Inf
	if t.config.Interval > 0 {
		limit = rate.Every(t.config.Interval)
	}
	limiter := rate.NewLimiter(limit, 1)

	var (
		stats       Stats
		last        string
		pending     string
		hasPending  bool
		reservation *rate.Reservation
		timer       *time.Timer
		timerC      <-chan time.Time
	)

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	defer stopTimer()

	flush := func() {
		stopTimer()
		reservation = nil
		if hasPending {
			hasPending = false
			t.deliver(ctx, emit, pending, &stats)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if reservation != nil {
				reservation.Cancel()
			}
			return last, stats

		case <-timerC:
			flush()

		case text, ok := <-updates:
			if !ok {
				if hasPending && timerC != nil {
					// Honor the reserved slot before the final emit.
					select {
					case <-timerC:
					case <-ctx.Done():
						reservation.Cancel()
						return last, stats
					}
				}
				flush()
				return last, stats
			}

			stats.Received++
			last = text

			if reservation != nil {
				// A flush is already scheduled; it will carry this snapshot.
				if hasPending {
					stats.Coalesced++
				}
				pending, hasPending = text, true
				continue
			}

			if limiter.Allow() {
				t.deliver(ctx, emit, text, &stats)
				continue
			}

			reservation = limiter.Reserve()
			pending, hasPending = text, true
			timer = time.NewTimer(reservation.Delay())
			timerC = timer.C
		}
	}
}

func (t *Throttler) deliver(ctx context.Context, emit EmitFunc, text string, stats *Stats) {
	emitCtx, cancel := context.WithTimeout(ctx, t.config.EditTimeout)
	defer cancel()

	err := emit(emitCtx, text)
	if err == nil {
		stats.Emitted++
		return
	}

	stats.Failed++
	if errors.Is(err, chat.ErrEditConflict) {
		t.logger.DebugContext(ctx, "edit rejected, continuing", slog.Any("error", err))
		return
	}
	t.logger.WarnContext(ctx, "failed to emit update", slog.Any("error", err))
}

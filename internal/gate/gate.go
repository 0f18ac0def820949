// Package gate serializes access to the shared text-generation engine.
//
// The engine is not reentrant, so every generation holds one unit of a
// weighted semaphore while it talks to the engine. Waiters are admitted in arrival
// order and the unit is returned on every exit path: completion, timeout,
// cancellation, failure and panic.
package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/Veraticus/llamagram/internal/engine"
)

// Defaults.
const (
	DefaultSize          = 1
	DefaultTimeout       = 5 * time.Minute
	DefaultTimeoutMarker = "[TimeOut]"
	DefaultBlankMessage  = "Sorry, I am went blank. Try something else"
	DefaultErrorMessage  = "Sorry, something went wrong :("
)

// Config configures a Gate.
type Config struct {
	Size          int           // Concurrent generations allowed against the engine
	Timeout       time.Duration // Deadline measured from the moment access is acquired
	TimeoutMarker string        // Appended to the text of a timed-out generation
	BlankMessage  string        // Sent when the engine produced nothing
	ErrorMessage  string        // Sent when the engine failed
	Params        engine.Params
}

// Request is one generation submitted to the gate.
type Request struct {
	ID     string
	UserID int64
	Prompt string

	// Per-request replacements for the configured messages, typically
	// localized. Empty values use the gate's config.
	BlankMessage string
	ErrorMessage string
}

func (r Request) blankMessage(config Config) string {
	if r.BlankMessage != "" {
		return r.BlankMessage
	}
	return config.BlankMessage
}

func (r Request) errorMessage(config Config) string {
	if r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	return config.ErrorMessage
}

// Outcome classifies how a generation ended.
type Outcome int

// Generation outcomes.
const (
	Completed Outcome = iota
	TimedOut
	Empty
	Failed
	Cancelled
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	case Empty:
		return "empty"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result summarizes a finished generation.
type Result struct {
	RequestID string
	Text      string // Accumulated engine output, without markers or fixed messages
	Final     string // Last value sent on Updates
	Outcome   Outcome
	Err       error
	Tokens    int
	Duration  time.Duration // Time spent holding the gate, excluding terminal delivery
}

// Stats is a point-in-time view of the gate.
type Stats struct {
	InFlight int
	Waiting  int
	Served   int64
}

// Gate hands out exclusive access to an engine.
type Gate struct {
	engine   engine.Engine
	config   Config
	sem      *semaphore.Weighted
	logger   *slog.Logger
	waiting  atomic.Int64
	inFlight atomic.Int64
	served   atomic.Int64
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New creates a gate in front of eng. Zero config fields take the defaults.
func New(eng engine.Engine, config Config, opts ...Option) *Gate {
	if config.Size <= 0 {
		config.Size = DefaultSize
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.TimeoutMarker == "" {
		config.TimeoutMarker = DefaultTimeoutMarker
	}
	if config.BlankMessage == "" {
		config.BlankMessage = DefaultBlankMessage
	}
	if config.ErrorMessage == "" {
		config.ErrorMessage = DefaultErrorMessage
	}

	g := &Gate{
		engine: eng,
		config: config,
		sem:    semaphore.NewWeighted(int64(config.Size)),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(slog.String("component", "gate"))
	return g
}

// Submit waits for exclusive access and starts the generation.
//
// It blocks until access is granted or ctx ends; in the latter case nothing is
// held and ctx's error is returned. The returned stream is bound to ctx:
// canceling it stops the generation and releases access. Callers must consume
// Updates until it is closed, or Cancel the stream.
func (g *Gate) Submit(ctx context.Context, req Request) (*Stream, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire generation gate: %w", err)
	}
	g.inFlight.Add(1)

	streamCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		id:      req.ID,
		updates: make(chan string),
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	g.logger.DebugContext(ctx, "generation started",
		slog.String("request_id", req.ID),
		slog.Int64("user_id", req.UserID))

	go g.run(streamCtx, req, s)
	return s, nil
}

// Stats returns the current gate statistics.
func (g *Gate) Stats() Stats {
	return Stats{
		InFlight: int(g.inFlight.Load()),
		Waiting:  int(g.waiting.Load()),
		Served:   g.served.Load(),
	}
}

func (g *Gate) run(ctx context.Context, req Request, s *Stream) {
	acquired := time.Now()

	result, terminal := g.generate(ctx, req, s, acquired)
	result.RequestID = req.ID
	result.Duration = time.Since(acquired)

	g.inFlight.Add(-1)
	g.served.Add(1)
	g.sem.Release(1)

	g.logger.InfoContext(context.WithoutCancel(ctx), "generation finished",
		slog.String("request_id", req.ID),
		slog.Int64("user_id", req.UserID),
		slog.String("outcome", result.Outcome.String()),
		slog.Int("tokens", result.Tokens),
		slog.Duration("duration", result.Duration))

	// Access is already released, so a slow consumer only delays itself.
	if terminal != "" {
		s.send(ctx, terminal)
	}
	result.Final = s.last

	s.cancel()
	s.finish(result)
}

// generate streams tokens while holding access. Timeouts, empty results and
// failures are returned as a terminal value for run to deliver once access
// has been released.
func (g *Gate) generate(ctx context.Context, req Request, s *Stream, acquired time.Time) (result Result, terminal string) {
	var text strings.Builder

	defer func() {
		if r := recover(); r != nil {
			g.logger.ErrorContext(context.WithoutCancel(ctx), "PANIC in engine stream",
				slog.String("request_id", req.ID),
				slog.Any("panic", r),
				slog.String("stack_trace", string(debug.Stack())))
			result, terminal = g.fail(ctx, req, text.String(), result.Tokens,
				&GenerationError{RequestID: req.ID, Partial: text.String(), Err: fmt.Errorf("%v", r), Panicked: true})
		}
	}()

	deadline := acquired.Add(g.config.Timeout)
	genCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	stream, err := g.engine.Stream(genCtx, req.Prompt, g.config.Params)
	if err != nil {
		return g.interrupted(ctx, genCtx, req, "", 0, err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			g.logger.DebugContext(context.WithoutCancel(ctx), "failed to close engine stream", slog.Any("error", cerr))
		}
	}()

	for {
		tok, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return g.interrupted(ctx, genCtx, req, text.String(), result.Tokens, err)
		}
		if tok.Done() {
			break
		}

		text.WriteString(tok.Text)
		result.Tokens++

		if !time.Now().Before(deadline) {
			return g.timedOut(text.String(), result.Tokens)
		}
		if !s.send(genCtx, text.String()) {
			if ctx.Err() != nil {
				return Result{Text: text.String(), Outcome: Cancelled, Err: ctx.Err(), Tokens: result.Tokens}, ""
			}
			return g.timedOut(text.String(), result.Tokens)
		}
	}

	if result.Tokens == 0 {
		return Result{Outcome: Empty, Err: ErrEmptyGeneration}, req.blankMessage(g.config)
	}
	return Result{Text: text.String(), Outcome: Completed, Tokens: result.Tokens}, ""
}

// interrupted classifies an error from the engine.
func (g *Gate) interrupted(ctx, genCtx context.Context, req Request, text string, tokens int, err error) (Result, string) {
	switch {
	case ctx.Err() != nil:
		return Result{Text: text, Outcome: Cancelled, Err: ctx.Err(), Tokens: tokens}, ""
	case errors.Is(genCtx.Err(), context.DeadlineExceeded):
		return g.timedOut(text, tokens)
	default:
		return g.fail(ctx, req, text, tokens, &GenerationError{RequestID: req.ID, Partial: text, Err: err})
	}
}

func (g *Gate) timedOut(text string, tokens int) (Result, string) {
	final := g.config.TimeoutMarker
	if text != "" {
		final = text + " " + g.config.TimeoutMarker
	}
	return Result{Text: text, Outcome: TimedOut, Err: ErrGenerationTimeout, Tokens: tokens}, final
}

func (g *Gate) fail(ctx context.Context, req Request, text string, tokens int, err error) (Result, string) {
	g.logger.ErrorContext(context.WithoutCancel(ctx), "generation failed",
		slog.String("request_id", req.ID),
		slog.Any("error", err))
	return Result{Text: text, Outcome: Failed, Err: err, Tokens: tokens}, req.errorMessage(g.config)
}

// Stream is a running generation. Updates carries the full text so far after
// every token, then one terminal value for timeouts, empty results and
// failures. It is closed when the generation ends.
type Stream struct {
	id      string
	updates chan string
	done    chan struct{}
	cancel  context.CancelFunc
	last    string // owned by the run goroutine until done is closed
	result  Result
	once    sync.Once
}

// ID returns the request id.
func (s *Stream) ID() string {
	return s.id
}

// Updates returns the channel of text snapshots.
func (s *Stream) Updates() <-chan string {
	return s.updates
}

// Cancel stops the generation. It does not wait for access to be released;
// use Wait for that.
func (s *Stream) Cancel() {
	s.cancel()
}

// Wait blocks until the generation has ended and its terminal value, if any,
// has been delivered. Access is released before that delivery.
func (s *Stream) Wait() Result {
	<-s.done
	return s.result
}

// Done is closed when the generation has ended.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) send(ctx context.Context, text string) bool {
	select {
	case s.updates <- text:
		s.last = text
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) finish(result Result) {
	s.once.Do(func() {
		s.result = result
		close(s.updates)
		close(s.done)
	})
}

package mocks

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Veraticus/llamagram/internal/engine"
)

// DefaultFinishReason is sent after the scripted tokens unless disabled.
const DefaultFinishReason = "stop"

// EngineScript describes one scripted generation.
type EngineScript struct {
	// Error returned by Stream itself, before any token
	StartErr error

	// Error returned by Recv after ErrAfter tokens
	Err error

	// Value passed to panic after PanicAfter tokens
	Panic any

	// Tokens to produce, in order
	Tokens []string

	// Finish reason of the terminating token; empty means DefaultFinishReason
	FinishReason string

	// Delay before every token
	Interval time.Duration

	ErrAfter   int
	PanicAfter int

	// Repeat tokens until the context ends
	Endless bool

	// End with io.EOF instead of a finishing token
	NoFinish bool
}

// EngineCall records a call to Stream.
type EngineCall struct {
	Timestamp time.Time
	Prompt    string
	Params    engine.Params
}

// ScriptedEngine implements engine.Engine with scripted token streams.
// Scripts are consumed in order; the fallback serves every call after that.
// It records whether two streams were ever open at the same time.
type ScriptedEngine struct {
	mu        sync.Mutex
	scripts   []EngineScript
	fallback  EngineScript
	calls     []EngineCall
	active    int
	maxActive int
}

var _ engine.Engine = (*ScriptedEngine)(nil)

// NewScriptedEngine creates an engine that plays scripts in order.
func NewScriptedEngine(scripts ...EngineScript) *ScriptedEngine {
	return &ScriptedEngine{scripts: scripts}
}

// SetFallback sets the script used once the queue is exhausted.
func (e *ScriptedEngine) SetFallback(script EngineScript) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallback = script
}

// AddScript appends a script.
func (e *ScriptedEngine) AddScript(script EngineScript) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts = append(e.scripts, script)
}

// Stream implements engine.Engine.
func (e *ScriptedEngine) Stream(ctx context.Context, prompt string, params engine.Params) (engine.TokenStream, error) {
	e.mu.Lock()
	e.calls = append(e.calls, EngineCall{Timestamp: time.Now(), Prompt: prompt, Params: params})

	script := e.fallback
	if len(e.scripts) > 0 {
		script = e.scripts[0]
		e.scripts = e.scripts[1:]
	}
	if script.StartErr != nil {
		e.mu.Unlock()
		return nil, script.StartErr
	}

	e.active++
	if e.active > e.maxActive {
		e.maxActive = e.active
	}
	e.mu.Unlock()

	return &scriptedStream{ctx: ctx, script: script, owner: e}, nil
}

// Calls returns a copy of the recorded calls.
func (e *ScriptedEngine) Calls() []EngineCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EngineCall, len(e.calls))
	copy(out, e.calls)
	return out
}

// Prompts returns the recorded prompts in call order.
func (e *ScriptedEngine) Prompts() []string {
	calls := e.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Prompt
	}
	return out
}

// MaxConcurrent returns the highest number of simultaneously open streams.
func (e *ScriptedEngine) MaxConcurrent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxActive
}

// Active returns the number of streams not yet closed.
func (e *ScriptedEngine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *ScriptedEngine) closed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active--
}

type scriptedStream struct {
	ctx     context.Context
	script  EngineScript
	owner   *ScriptedEngine
	emitted int
	done    bool
	once    sync.Once
}

func (s *scriptedStream) Recv() (engine.Token, error) {
	if s.done {
		return engine.Token{}, io.EOF
	}

	if s.script.Interval > 0 {
		timer := time.NewTimer(s.script.Interval)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			s.done = true
			return engine.Token{}, fmt.Errorf("scripted stream: %w", s.ctx.Err())
		case <-timer.C:
		}
	} else if err := s.ctx.Err(); err != nil {
		s.done = true
		return engine.Token{}, fmt.Errorf("scripted stream: %w", err)
	}

	if s.script.Panic != nil && s.emitted == s.script.PanicAfter {
		panic(s.script.Panic)
	}
	if s.script.Err != nil && s.emitted == s.script.ErrAfter {
		s.done = true
		return engine.Token{}, s.script.Err
	}

	n := len(s.script.Tokens)
	if s.script.Endless && n > 0 {
		tok := s.script.Tokens[s.emitted%n]
		s.emitted++
		return engine.Token{Text: tok}, nil
	}
	if s.emitted < n {
		tok := s.script.Tokens[s.emitted]
		s.emitted++
		return engine.Token{Text: tok}, nil
	}

	s.done = true
	if s.script.NoFinish {
		return engine.Token{}, io.EOF
	}
	reason := s.script.FinishReason
	if reason == "" {
		reason = DefaultFinishReason
	}
	return engine.Token{FinishReason: reason}, nil
}

func (s *scriptedStream) Close() error {
	s.once.Do(s.owner.closed)
	return nil
}

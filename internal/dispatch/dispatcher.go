// Package dispatch routes inbound chat events to sessions, templates and the
// generation gate.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/Veraticus/llamagram/internal/chat"
	"github.com/Veraticus/llamagram/internal/gate"
	"github.com/Veraticus/llamagram/internal/locale"
	"github.com/Veraticus/llamagram/internal/queue"
	"github.com/Veraticus/llamagram/internal/session"
	"github.com/Veraticus/llamagram/internal/throttle"
)

// Templates lists and loads prompt templates.
type Templates interface {
	List(lang locale.Language) ([]string, error)
	Load(lang locale.Language, id string) (string, error)
	Reload(lang locale.Language, id string) (string, error)
}

// Generator runs generations with exclusive engine access.
type Generator interface {
	Submit(ctx context.Context, req gate.Request) (*gate.Stream, error)
	Stats() gate.Stats
}

// Queue accepts plain messages for per-user, in-order processing.
type Queue interface {
	Submit(msg *queue.Message) error
	Stats() queue.Stats
}

// Dispatcher handles inbound events and processes queued messages.
// It implements chat.EventHandler and queue.Processor. Sessions are keyed by
// chat; queues and rate limits by user.
type Dispatcher struct {
	messenger chat.Messenger
	sessions  *session.Store
	templates Templates
	generator Generator
	throttler *throttle.Throttler
	queue     Queue
	typing    chat.TypingIndicatorManager
	allow     AllowList
	logger    *slog.Logger
}

var (
	_ chat.EventHandler       = (*Dispatcher)(nil)
	_ queue.Processor         = (*Dispatcher)(nil)
	_ queue.RateLimitNotifier = (*Dispatcher)(nil)
)

// Option configures a Dispatcher.
type Option func(*Dispatcher) error

// WithMessenger sets the chat transport.
func WithMessenger(messenger chat.Messenger) Option {
	return func(d *Dispatcher) error {
		if messenger == nil {
			return fmt.Errorf("invalid option: messenger cannot be nil")
		}
		d.messenger = messenger
		return nil
	}
}

// WithSessions sets the session store.
func WithSessions(store *session.Store) Option {
	return func(d *Dispatcher) error {
		if store == nil {
			return fmt.Errorf("invalid option: session store cannot be nil")
		}
		d.sessions = store
		return nil
	}
}

// WithTemplates sets the template catalog.
func WithTemplates(templates Templates) Option {
	return func(d *Dispatcher) error {
		if templates == nil {
			return fmt.Errorf("invalid option: templates cannot be nil")
		}
		d.templates = templates
		return nil
	}
}

// WithGenerator sets the generation gate.
func WithGenerator(generator Generator) Option {
	return func(d *Dispatcher) error {
		if generator == nil {
			return fmt.Errorf("invalid option: generator cannot be nil")
		}
		d.generator = generator
		return nil
	}
}

// WithQueue sets the queue plain messages are submitted to.
func WithQueue(q Queue) Option {
	return func(d *Dispatcher) error {
		if q == nil {
			return fmt.Errorf("invalid option: queue cannot be nil")
		}
		d.queue = q
		return nil
	}
}

// WithThrottler sets the throttler for streamed edits.
func WithThrottler(t *throttle.Throttler) Option {
	return func(d *Dispatcher) error {
		if t == nil {
			return fmt.Errorf("invalid option: throttler cannot be nil")
		}
		d.throttler = t
		return nil
	}
}

// WithTypingIndicator sets the typing indicator manager.
func WithTypingIndicator(typing chat.TypingIndicatorManager) Option {
	return func(d *Dispatcher) error {
		d.typing = typing
		return nil
	}
}

// WithAllowList restricts who may use the bot.
func WithAllowList(allow AllowList) Option {
	return func(d *Dispatcher) error {
		d.allow = allow
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) error {
		if logger == nil {
			return fmt.Errorf("invalid option: logger cannot be nil")
		}
		d.logger = logger
		return nil
	}
}

// New creates a dispatcher. Messenger, sessions, templates, generator and
// queue are required.
func New(opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	switch {
	case d.messenger == nil:
		return nil, fmt.Errorf("dispatcher creation failed: messenger is required")
	case d.sessions == nil:
		return nil, fmt.Errorf("dispatcher creation failed: session store is required")
	case d.templates == nil:
		return nil, fmt.Errorf("dispatcher creation failed: templates are required")
	case d.generator == nil:
		return nil, fmt.Errorf("dispatcher creation failed: generator is required")
	case d.queue == nil:
		return nil, fmt.Errorf("dispatcher creation failed: queue is required")
	}

	d.logger = d.logger.With(slog.String("component", "dispatcher"))
	if d.throttler == nil {
		d.throttler = throttle.New(throttle.Config{}, throttle.WithLogger(d.logger))
	}
	if d.typing == nil {
		d.typing = chat.NewTypingIndicatorManager(d.messenger, d.logger)
	}
	return d, nil
}

// Handle routes one inbound event. Events from senders outside the
// allow-list are dropped without a reply.
func (d *Dispatcher) Handle(ctx context.Context, event chat.Event) {
	if err := d.authorize(event); err != nil {
		d.logger.DebugContext(ctx, "dropping event",
			slog.Int64("user_id", event.UserID),
			slog.String("username", event.Username),
			slog.String("kind", event.Kind.String()),
			slog.Any("error", err))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "PANIC handling event",
				slog.Int64("user_id", event.UserID),
				slog.String("kind", event.Kind.String()),
				slog.Any("panic", r),
				slog.String("stack_trace", string(debug.Stack())))
			d.replyError(ctx, event.ChatID)
		}
	}()

	var err error
	switch event.Kind {
	case chat.EventCommand:
		err = d.handleCommand(ctx, event)
	case chat.EventCallback:
		err = d.handleCallback(ctx, event)
	case chat.EventText:
		err = d.enqueue(event)
	default:
		err = fmt.Errorf("unsupported event kind %s", event.Kind)
	}

	if err != nil {
		d.logger.ErrorContext(ctx, "failed to handle event",
			slog.Int64("user_id", event.UserID),
			slog.String("kind", event.Kind.String()),
			slog.Any("error", err))
		d.replyError(ctx, event.ChatID)
	}
}

// Stop stops any typing indicators still running.
func (d *Dispatcher) Stop() {
	d.typing.StopAll()
}

func (d *Dispatcher) authorize(event chat.Event) error {
	if !d.allow.Permits(event.UserID, event.Username) {
		return ErrUnauthorized
	}
	return nil
}

func (d *Dispatcher) enqueue(event chat.Event) error {
	msg := queue.NewMessage(event.UserID, event.ChatID, event.Text)
	msg.Username = event.Username
	msg.FirstName = event.FirstName

	if err := d.queue.Submit(msg); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// reply sends text without a keyboard.
func (d *Dispatcher) reply(ctx context.Context, chatID int64, text string) error {
	return d.send(ctx, chatID, text, nil)
}

func (d *Dispatcher) send(ctx context.Context, chatID int64, text string, kb *chat.Keyboard) error {
	if _, err := d.messenger.Send(ctx, chatID, text, kb); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// replyError is the best-effort localized error reply.
func (d *Dispatcher) replyError(ctx context.Context, chatID int64) {
	if errors.Is(ctx.Err(), context.Canceled) {
		return
	}
	msgs := locale.For(d.sessions.Get(chatID).Language)
	if err := d.reply(ctx, chatID, msgs.Error); err != nil {
		d.logger.WarnContext(ctx, "failed to send error reply",
			slog.Int64("chat_id", chatID),
			slog.Any("error", err))
	}
}

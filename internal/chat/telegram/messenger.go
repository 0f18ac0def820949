// Package telegram implements chat.Messenger on the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Veraticus/llamagram/internal/chat"
)

const (
	// DefaultPollTimeout is the long-polling timeout for getUpdates, in seconds.
	DefaultPollTimeout = 60

	// DefaultRequestTimeout bounds each Bot API request.
	// It must exceed the long-polling timeout.
	DefaultRequestTimeout = 75 * time.Second

	eventChannelSize = 100
)

// Messenger talks to Telegram through the Bot API.
type Messenger struct {
	bot         *tgbotapi.BotAPI
	logger      *slog.Logger
	pollTimeout int
}

var _ chat.Messenger = (*Messenger)(nil)

type options struct {
	endpoint    string
	httpClient  *http.Client
	logger      *slog.Logger
	pollTimeout int
}

// Option configures the messenger.
type Option func(*options)

// WithEndpoint overrides the Bot API endpoint format, e.g. for a local Bot API server.
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPollTimeout sets the long-polling timeout in seconds.
func WithPollTimeout(seconds int) Option {
	return func(o *options) {
		o.pollTimeout = seconds
	}
}

// New authenticates with the Bot API and returns a messenger.
func New(token string, opts ...Option) (*Messenger, error) {
	if token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	o := options{
		endpoint:    tgbotapi.APIEndpoint,
		logger:      slog.Default(),
		pollTimeout: DefaultPollTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: DefaultRequestTimeout}
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, o.endpoint, o.httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}

	logger := o.logger.With(slog.String("component", "telegram"))
	logger.Info("authorized on telegram", slog.String("bot", bot.Self.UserName))

	return &Messenger{
		bot:         bot,
		logger:      logger,
		pollTimeout: o.pollTimeout,
	}, nil
}

// BotName returns the bot's username.
func (m *Messenger) BotName() string {
	return m.bot.Self.UserName
}

// Send implements chat.Messenger.
func (m *Messenger) Send(ctx context.Context, chatID int64, text string, keyboard *chat.Keyboard) (chat.MessageRef, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	if keyboard != nil {
		msg.ReplyMarkup = toMarkup(keyboard)
	}

	sent, err := call(ctx, "send message", func() (tgbotapi.Message, error) {
		return m.bot.Send(msg)
	})
	if err != nil {
		return chat.MessageRef{}, err
	}
	ref := chat.MessageRef{ChatID: chatID, MessageID: sent.MessageID}
	if sent.Chat != nil {
		ref.ChatID = sent.Chat.ID
	}
	return ref, nil
}

// Edit implements chat.Messenger. Blank text and unchanged content are
// reported as chat.ErrEditConflict.
func (m *Messenger) Edit(ctx context.Context, ref chat.MessageRef, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("blank text: %w", chat.ErrEditConflict)
	}

	edit := tgbotapi.NewEditMessageText(ref.ChatID, ref.MessageID, text)
	if err := m.request(ctx, "edit message", edit); err != nil {
		if isNotModified(err) {
			return fmt.Errorf("%w: %w", chat.ErrEditConflict, err)
		}
		return err
	}
	return nil
}

// SendTyping implements chat.Messenger.
func (m *Messenger) SendTyping(ctx context.Context, chatID int64) error {
	return m.request(ctx, "send typing action", tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
}

// AnswerCallback implements chat.Messenger.
func (m *Messenger) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return m.request(ctx, "answer callback", tgbotapi.NewCallback(callbackID, text))
}

// SetCommands implements chat.Messenger.
func (m *Messenger) SetCommands(ctx context.Context, commands []chat.Command) error {
	botCommands := make([]tgbotapi.BotCommand, 0, len(commands))
	for _, c := range commands {
		botCommands = append(botCommands, tgbotapi.BotCommand{Command: c.Name, Description: c.Description})
	}
	return m.request(ctx, "set commands", tgbotapi.NewSetMyCommands(botCommands...))
}

func (m *Messenger) request(ctx context.Context, op string, c tgbotapi.Chattable) error {
	_, err := call(ctx, op, func() (*tgbotapi.APIResponse, error) {
		return m.bot.Request(c)
	})
	return err
}

// call runs a Bot API call and stops waiting for it when ctx ends. The Bot
// API client takes no context, so an abandoned call runs on in the
// background until the HTTP client's timeout.
func call[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, fmt.Errorf("%s canceled: %w", op, err)
	}

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn()
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return zero, fmt.Errorf("failed to %s: %w", op, o.err)
		}
		return o.value, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("%s canceled: %w", op, ctx.Err())
	}
}

// Subscribe implements chat.Messenger. Long polling stops when ctx is canceled
// and the returned channel is then closed.
func (m *Messenger) Subscribe(ctx context.Context) (<-chan chat.Event, error) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = m.pollTimeout
	cfg.AllowedUpdates = []string{"message", "callback_query"}

	updates := m.bot.GetUpdatesChan(cfg)
	events := make(chan chat.Event, eventChannelSize)

	go func() {
		defer close(events)
		defer m.bot.StopReceivingUpdates()

		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				event, ok := toEvent(update)
				if !ok {
					m.logger.DebugContext(ctx, "ignoring update", slog.Int("update_id", update.UpdateID))
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events, nil
}

// toEvent converts a Bot API update. ok is false for updates the bot ignores.
func toEvent(update tgbotapi.Update) (chat.Event, bool) {
	switch {
	case update.CallbackQuery != nil:
		cq := update.CallbackQuery
		if cq.From == nil {
			return chat.Event{}, false
		}
		event := chat.Event{
			Kind:       chat.EventCallback,
			UserID:     cq.From.ID,
			ChatID:     cq.From.ID,
			Username:   cq.From.UserName,
			FirstName:  cq.From.FirstName,
			CallbackID: cq.ID,
			Data:       cq.Data,
			Timestamp:  time.Now(),
		}
		if cq.Message != nil && cq.Message.Chat != nil {
			event.ChatID = cq.Message.Chat.ID
		}
		return event, true

	case update.Message != nil:
		msg := update.Message
		if msg.From == nil || msg.Chat == nil || msg.Text == "" {
			return chat.Event{}, false
		}
		event := chat.Event{
			Kind:      chat.EventText,
			UserID:    msg.From.ID,
			ChatID:    msg.Chat.ID,
			Username:  msg.From.UserName,
			FirstName: msg.From.FirstName,
			Text:      msg.Text,
			Timestamp: msg.Time(),
		}
		if msg.IsCommand() {
			event.Kind = chat.EventCommand
			event.Command = strings.ToLower(msg.Command())
			event.Args = strings.TrimSpace(msg.CommandArguments())
		}
		return event, true

	default:
		return chat.Event{}, false
	}
}

func toMarkup(keyboard *chat.Keyboard) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(keyboard.Rows))
	for _, row := range keyboard.Rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func isNotModified(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return strings.Contains(apiErr.Message, "message is not modified")
	}
	return strings.Contains(err.Error(), "message is not modified")
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Veraticus/llamagram/internal/chat"
	"github.com/Veraticus/llamagram/internal/locale"
	"github.com/Veraticus/llamagram/internal/prompt"
)

// Command names.
const (
	CommandStart    = "start"
	CommandNewChat  = "new_chat"
	CommandLanguage = "language"
	CommandTemplate = "template"
	CommandHistory  = "history"
	CommandStatus   = "status"
	CommandHelp     = "help"
)

// Callback data values and prefixes.
const (
	CallbackTextChat       = "text"
	CallbackLanguagePrefix = "lang:"
	CallbackTemplatePrefix = "tpl:"
)

// menuCommands is the order of the client command menu.
var menuCommands = []string{
	CommandNewChat,
	CommandLanguage,
	CommandTemplate,
	CommandHistory,
	CommandStatus,
	CommandHelp,
}

// Commands returns the localized command menu.
func Commands(lang locale.Language) []chat.Command {
	msgs := locale.For(lang)
	out := make([]chat.Command, 0, len(menuCommands))
	for _, name := range menuCommands {
		out = append(out, chat.Command{Name: name, Description: msgs.Commands[name]})
	}
	return out
}

// RegisterCommands publishes the command menu in the default language.
func (d *Dispatcher) RegisterCommands(ctx context.Context) error {
	if err := d.messenger.SetCommands(ctx, Commands(d.sessions.Defaults().Language)); err != nil {
		return fmt.Errorf("failed to register commands: %w", err)
	}
	return nil
}

func (d *Dispatcher) handleCommand(ctx context.Context, event chat.Event) error {
	switch event.Command {
	case CommandStart, CommandNewChat:
		return d.newChat(ctx, event)
	case CommandLanguage:
		return d.chooseLanguage(ctx, event)
	case CommandTemplate:
		return d.chooseTemplate(ctx, event)
	case CommandHistory:
		return d.showHistory(ctx, event)
	case CommandStatus:
		return d.showStatus(ctx, event)
	default:
		return d.showHelp(ctx, event)
	}
}

func (d *Dispatcher) newChat(ctx context.Context, event chat.Event) error {
	sess := d.sessions.ClearHistory(event.ChatID)
	msgs := locale.For(sess.Language)

	d.logger.InfoContext(ctx, "new chat",
		slog.Int64("user_id", event.UserID),
		slog.String("command", event.Command))

	kb := chat.NewKeyboard(chat.Button{Text: msgs.TextChatButton, Data: CallbackTextChat})
	return d.send(ctx, event.ChatID, fmt.Sprintf(msgs.Greeting, event.FirstName), kb)
}

func (d *Dispatcher) chooseLanguage(ctx context.Context, event chat.Event) error {
	msgs := locale.For(d.sessions.Get(event.ChatID).Language)

	langs := locale.Languages()
	buttons := make([]chat.Button, 0, len(langs))
	for _, lang := range langs {
		buttons = append(buttons, chat.Button{
			Text: locale.For(lang).Name,
			Data: CallbackLanguagePrefix + lang.String(),
		})
	}
	return d.send(ctx, event.ChatID, msgs.ChooseLanguage, chat.NewKeyboard(buttons...))
}

func (d *Dispatcher) chooseTemplate(ctx context.Context, event chat.Event) error {
	sess := d.sessions.Get(event.ChatID)
	msgs := locale.For(sess.Language)

	ids, err := d.templates.List(sess.Language)
	if err != nil {
		d.logger.WarnContext(ctx, "failed to list templates",
			slog.String("language", sess.Language.String()),
			slog.Any("error", err))
	}
	if len(ids) == 0 {
		return d.reply(ctx, event.ChatID, msgs.NoTemplates)
	}

	buttons := make([]chat.Button, 0, len(ids))
	for _, id := range ids {
		text := id
		if id == sess.Template {
			text = "• " + id
		}
		buttons = append(buttons, chat.Button{Text: text, Data: CallbackTemplatePrefix + id})
	}
	return d.send(ctx, event.ChatID, msgs.ChooseTemplate, chat.NewKeyboard(buttons...))
}

func (d *Dispatcher) showHistory(ctx context.Context, event chat.Event) error {
	sess := d.sessions.Get(event.ChatID)
	msgs := locale.For(sess.Language)

	if sess.History.IsEmpty() {
		return d.reply(ctx, event.ChatID, msgs.HistoryEmpty)
	}
	return d.reply(ctx, event.ChatID, fmt.Sprintf(msgs.History, strings.TrimSpace(sess.History.String())))
}

func (d *Dispatcher) showStatus(ctx context.Context, event chat.Event) error {
	sess := d.sessions.Get(event.ChatID)
	msgs := locale.For(sess.Language)
	queueStats := d.queue.Stats()
	gateStats := d.generator.Stats()

	text := fmt.Sprintf(msgs.Status,
		msgs.Name,
		sess.Template,
		sess.History.Len(), sess.History.Limit(),
		queueStats.Queued,
		gateStats.InFlight, gateStats.Waiting)
	return d.reply(ctx, event.ChatID, text)
}

func (d *Dispatcher) showHelp(ctx context.Context, event chat.Event) error {
	msgs := locale.For(d.sessions.Get(event.ChatID).Language)
	return d.reply(ctx, event.ChatID, msgs.Help)
}

func (d *Dispatcher) handleCallback(ctx context.Context, event chat.Event) error {
	if err := d.messenger.AnswerCallback(ctx, event.CallbackID, ""); err != nil {
		d.logger.DebugContext(ctx, "failed to answer callback",
			slog.String("callback_id", event.CallbackID),
			slog.Any("error", err))
	}

	switch {
	case event.Data == CallbackTextChat:
		msgs := locale.For(d.sessions.Get(event.ChatID).Language)
		return d.reply(ctx, event.ChatID, msgs.TextChatEnabled)
	case strings.HasPrefix(event.Data, CallbackLanguagePrefix):
		return d.setLanguage(ctx, event, strings.TrimPrefix(event.Data, CallbackLanguagePrefix))
	case strings.HasPrefix(event.Data, CallbackTemplatePrefix):
		return d.setTemplate(ctx, event, strings.TrimPrefix(event.Data, CallbackTemplatePrefix))
	default:
		d.logger.DebugContext(ctx, "ignoring unknown callback", slog.String("data", event.Data))
		return nil
	}
}

func (d *Dispatcher) setLanguage(ctx context.Context, event chat.Event, code string) error {
	lang, err := locale.Parse(code)
	if err != nil {
		d.logger.WarnContext(ctx, "unknown language selected",
			slog.String("code", code),
			slog.Any("error", err))
		return nil
	}

	d.sessions.SetLanguage(event.ChatID, lang)
	msgs := locale.For(lang)
	return d.reply(ctx, event.ChatID, fmt.Sprintf(msgs.LanguageSet, msgs.Name))
}

func (d *Dispatcher) setTemplate(ctx context.Context, event chat.Event, id string) error {
	sess := d.sessions.Get(event.ChatID)
	msgs := locale.For(sess.Language)

	if _, err := d.templates.Reload(sess.Language, id); err != nil {
		d.logger.WarnContext(ctx, "failed to load selected template",
			slog.String("language", sess.Language.String()),
			slog.String("template", id),
			slog.Any("error", err))
		if errors.Is(err, prompt.ErrTemplateNotFound) {
			return d.reply(ctx, event.ChatID, fmt.Sprintf(msgs.TemplateNotFound, id))
		}
		return fmt.Errorf("failed to load template %q: %w", id, err)
	}

	if current, ok := d.sessions.SetTemplateIf(event.ChatID, sess.Language, id); !ok {
		// The language changed while the template was loading.
		d.logger.InfoContext(ctx, "discarding template selected for previous language",
			slog.String("language", sess.Language.String()),
			slog.String("current_language", current.Language.String()),
			slog.String("template", id))
		msgs = locale.For(current.Language)
		return d.reply(ctx, event.ChatID, fmt.Sprintf(msgs.TemplateNotFound, id))
	}
	return d.reply(ctx, event.ChatID, fmt.Sprintf(msgs.TemplateSet, id))
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/Veraticus/llamagram/internal/gate"
	"github.com/Veraticus/llamagram/internal/locale"
	"github.com/Veraticus/llamagram/internal/prompt"
	"github.com/Veraticus/llamagram/internal/queue"
)

// Process generates a reply to one queued message: it renders the user's
// template, streams the generation into a placeholder message and records
// the exchange in the user's history. A panic is reported to the user and
// returned as a *queue.PanicError.
func (d *Dispatcher) Process(ctx context.Context, msg *queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "PANIC processing message",
				slog.String("message_id", msg.ID),
				slog.Int64("user_id", msg.UserID),
				slog.Any("panic", r),
				slog.String("stack_trace", string(debug.Stack())))
			d.replyError(ctx, msg.ChatID)
			err = &queue.PanicError{Value: r, MessageID: msg.ID}
		}
	}()

	sess := d.sessions.Get(msg.ChatID)
	msgs := locale.For(sess.Language)

	text, err := d.templates.Load(sess.Language, sess.Template)
	if err != nil {
		d.replyTemplateError(ctx, msg.ChatID, msgs, sess.Template, err)
		return fmt.Errorf("failed to load template %s/%s: %w", sess.Language, sess.Template, err)
	}

	rendered, err := prompt.Render(text, map[string]string{
		prompt.KeyChatIn:      msg.Text,
		prompt.KeyChatHistory: sess.History.String(),
	})
	if err != nil {
		d.replyTemplateError(ctx, msg.ChatID, msgs, sess.Template, err)
		return fmt.Errorf("failed to render template %s/%s: %w", sess.Language, sess.Template, err)
	}

	d.logger.DebugContext(ctx, "prompt rendered",
		slog.String("message_id", msg.ID),
		slog.Int64("user_id", msg.UserID),
		slog.String("template", sess.Template),
		slog.Int("prompt_length", len(rendered)))

	if err := d.typing.Start(ctx, msg.ChatID); err != nil {
		d.logger.DebugContext(ctx, "typing indicator not started",
			slog.Int64("chat_id", msg.ChatID),
			slog.Any("error", err))
	} else {
		defer d.typing.Stop(msg.ChatID)
	}

	ref, err := d.messenger.Send(ctx, msg.ChatID, msgs.Placeholder, nil)
	if err != nil {
		return fmt.Errorf("failed to send placeholder: %w", err)
	}

	stream, err := d.generator.Submit(ctx, gate.Request{
		ID:           msg.ID,
		UserID:       msg.UserID,
		Prompt:       rendered,
		BlankMessage: msgs.Blank,
		ErrorMessage: msgs.Error,
	})
	if err != nil {
		if editErr := d.messenger.Edit(ctx, ref, msgs.Error); editErr != nil {
			d.logger.WarnContext(ctx, "failed to report generation error",
				slog.String("message_id", msg.ID),
				slog.Any("error", editErr))
		}
		return fmt.Errorf("failed to start generation: %w", err)
	}
	defer stream.Cancel()

	d.throttler.Run(ctx, stream.Updates(), func(ctx context.Context, text string) error {
		return d.messenger.Edit(ctx, ref, text)
	})
	result := stream.Wait()

	d.sessions.AppendHistory(msg.ChatID, msg.Text, result.Text)

	d.logger.InfoContext(ctx, "reply generated",
		slog.String("message_id", msg.ID),
		slog.Int64("user_id", msg.UserID),
		slog.String("outcome", result.Outcome.String()),
		slog.Int("tokens", result.Tokens),
		slog.Duration("duration", result.Duration))

	switch result.Outcome {
	case gate.Failed, gate.Cancelled:
		return fmt.Errorf("generation %s: %w", result.Outcome, result.Err)
	default:
		return nil
	}
}

// NotifyRateLimited tells the user a message was dropped.
func (d *Dispatcher) NotifyRateLimited(ctx context.Context, msg *queue.Message) {
	msgs := locale.For(d.sessions.Get(msg.ChatID).Language)
	if err := d.reply(ctx, msg.ChatID, msgs.RateLimited); err != nil {
		d.logger.WarnContext(ctx, "failed to send rate limit notice",
			slog.Int64("user_id", msg.UserID),
			slog.Any("error", err))
	}
}

func (d *Dispatcher) replyTemplateError(ctx context.Context, chatID int64, msgs locale.Messages, id string, err error) {
	text := msgs.Error
	if errors.Is(err, prompt.ErrTemplateNotFound) {
		text = fmt.Sprintf(msgs.TemplateNotFound, id)
	}
	if sendErr := d.reply(ctx, chatID, text); sendErr != nil {
		d.logger.WarnContext(ctx, "failed to send template error",
			slog.Int64("chat_id", chatID),
			slog.Any("error", sendErr))
	}
}

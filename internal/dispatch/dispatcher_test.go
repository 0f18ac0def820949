package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Veraticus/llamagram/internal/chat"
	"github.com/Veraticus/llamagram/internal/dispatch"
	"github.com/Veraticus/llamagram/internal/gate"
	"github.com/Veraticus/llamagram/internal/locale"
	"github.com/Veraticus/llamagram/internal/mocks"
	"github.com/Veraticus/llamagram/internal/prompt"
	"github.com/Veraticus/llamagram/internal/queue"
	"github.com/Veraticus/llamagram/internal/session"
	"github.com/Veraticus/llamagram/internal/throttle"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type harness struct {
	dispatcher *dispatch.Dispatcher
	messenger  *mocks.FakeMessenger
	engine     *mocks.ScriptedEngine
	store      *session.Store
	manager    *queue.Manager
	templates  string
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	allow     dispatch.AllowList
	templates dispatch.Templates
}

func withAllowList(raw string) harnessOption {
	return func(c *harnessConfig) { c.allow = dispatch.ParseAllowList(raw) }
}

func withTemplates(templates dispatch.Templates) harnessOption {
	return func(c *harnessConfig) { c.templates = templates }
}

func newHarness(t *testing.T, eng *mocks.ScriptedEngine, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		messenger: mocks.NewFakeMessenger(),
		engine:    eng,
		store:     session.NewStore(session.Defaults{}),
		templates: t.TempDir(),
	}

	cfg := harnessConfig{templates: prompt.NewCatalog(h.templates, prompt.WithLogger(discard))}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.manager = queue.NewManager(ctx, queue.WithManagerLogger(discard))
	go h.manager.Start()

	d, err := dispatch.New(
		dispatch.WithMessenger(h.messenger),
		dispatch.WithSessions(h.store),
		dispatch.WithTemplates(cfg.templates),
		dispatch.WithGenerator(gate.New(eng, gate.Config{}, gate.WithLogger(discard))),
		dispatch.WithThrottler(throttle.New(throttle.Config{}, throttle.WithLogger(discard))),
		dispatch.WithQueue(h.manager),
		dispatch.WithAllowList(cfg.allow),
		dispatch.WithLogger(discard),
	)
	require.NoError(t, err)
	h.dispatcher = d

	pool, err := queue.NewWorkerPool(queue.PoolConfig{
		Size:         2,
		Processor:    d,
		QueueManager: h.manager,
		Logger:       discard,
	})
	require.NoError(t, err)
	pool.Start(ctx)

	t.Cleanup(func() {
		cancel()
		require.NoError(t, h.manager.Shutdown(time.Second))
		pool.Wait()
		d.Stop()
	})
	return h
}

func (h *harness) writeTemplate(t *testing.T, lang locale.Language, id, text string) {
	t.Helper()
	dir := filepath.Join(h.templates, string(lang))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+prompt.Extension), []byte(text), 0o600))
}

// settled waits until n messages have left the queue.
func (h *harness) settled(t *testing.T, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := h.manager.Stats()
		return s.Completed+s.Failed+s.Dropped == n
	}, 3*time.Second, 5*time.Millisecond)
}

func text(userID int64, body string) chat.Event {
	return chat.Event{Kind: chat.EventText, UserID: userID, ChatID: userID, Text: body, FirstName: "Ann"}
}

func command(userID int64, name string) chat.Event {
	return chat.Event{Kind: chat.EventCommand, UserID: userID, ChatID: userID, Command: name, Text: "/" + name, FirstName: "Ann"}
}

func callback(userID int64, data string) chat.Event {
	return chat.Event{Kind: chat.EventCallback, UserID: userID, ChatID: userID, CallbackID: "cb-" + data, Data: data}
}

func TestDispatcher_EndToEnd(t *testing.T) {
	eng := mocks.NewScriptedEngine(mocks.EngineScript{Tokens: []string{"Hi", " there"}})
	h := newHarness(t, eng)

	h.dispatcher.Handle(context.Background(), text(1, "hello"))
	h.settled(t, 1)

	assert.Equal(t, []string{" hello"}, eng.Prompts())
	assert.Equal(t, " hello Hi there", h.store.Get(1).History.String())

	sent := h.messenger.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "...", sent[0].Text)
	assert.Equal(t, "Hi there", h.messenger.Text(sent[0].Ref))
	assert.Positive(t, h.messenger.TypingCount(1))
	assert.Equal(t, int64(1), h.manager.Stats().Completed)
}

func TestDispatcher_HistoryFeedsNextPrompt(t *testing.T) {
	eng := mocks.NewScriptedEngine(
		mocks.EngineScript{Tokens: []string{"one"}},
		mocks.EngineScript{Tokens: []string{"two"}},
	)
	h := newHarness(t, eng)

	h.dispatcher.Handle(context.Background(), text(1, "a"))
	h.dispatcher.Handle(context.Background(), text(1, "b"))
	h.settled(t, 2)

	assert.Equal(t, []string{" a", " a one b"}, eng.Prompts())
	assert.Equal(t, " a one b two", h.store.Get(1).History.String())
	assert.Equal(t, 1, eng.MaxConcurrent())
}

func TestDispatcher_AllowList(t *testing.T) {
	eng := mocks.NewScriptedEngine()
	eng.SetFallback(mocks.EngineScript{Tokens: []string{"ok"}})
	h := newHarness(t, eng, withAllowList("@alice, 42"))

	stranger := text(7, "hi")
	stranger.Username = "mallory"
	h.dispatcher.Handle(context.Background(), stranger)
	h.dispatcher.Handle(context.Background(), command(7, dispatch.CommandNewChat))
	h.dispatcher.Handle(context.Background(), callback(7, "lang:ru"))

	assert.Empty(t, h.messenger.Sent())
	assert.Empty(t, h.messenger.Answers())
	assert.Equal(t, 0, h.store.Len())
	assert.Equal(t, int64(0), h.manager.Stats().Submitted)

	alice := text(8, "hi")
	alice.Username = "Alice"
	h.dispatcher.Handle(context.Background(), alice)
	h.dispatcher.Handle(context.Background(), text(42, "hi"))
	h.settled(t, 2)

	assert.Len(t, eng.Calls(), 2)
	assert.Equal(t, 2, h.store.Len())
}

func TestDispatcher_NewChatClearsHistory(t *testing.T) {
	h := newHarness(t, mocks.NewScriptedEngine())
	h.store.AppendHistory(1, "old", "stuff")

	h.dispatcher.Handle(context.Background(), command(1, dispatch.CommandStart))

	assert.True(t, h.store.Get(1).History.IsEmpty())
	sent := h.messenger.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "Hello Ann.")
	require.NotNil(t, sent[0].Keyboard)
	assert.Equal(t, dispatch.CallbackTextChat, sent[0].Keyboard.Rows[0][0].Data)

	h.dispatcher.Handle(context.Background(), callback(1, dispatch.CallbackTextChat))
	assert.Equal(t, []string{sent[0].Text, "Text chat enabled"}, h.messenger.SentTo(1))
	assert.Len(t, h.messenger.Answers(), 1)
}

func TestDispatcher_LanguageSelection(t *testing.T) {
	h := newHarness(t, mocks.NewScriptedEngine())
	h.store.SetTemplate(1, "pirate")

	h.dispatcher.Handle(context.Background(), command(1, dispatch.CommandLanguage))
	sent := h.messenger.Sent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Keyboard)
	assert.Len(t, sent[0].Keyboard.Rows, len(locale.Languages()))

	h.dispatcher.Handle(context.Background(), callback(1, "lang:ru"))

	sess := h.store.Get(1)
	assert.Equal(t, locale.Russian, sess.Language)
	assert.Equal(t, prompt.DefaultTemplate, sess.Template)
	replies := h.messenger.SentTo(1)
	assert.Equal(t, "Язык: Русский.", replies[len(replies)-1])

	// Other users keep their own language.
	assert.Equal(t, locale.English, h.store.Get(2).Language)

	h.dispatcher.Handle(context.Background(), callback(1, "lang:xx"))
	assert.Equal(t, locale.Russian, h.store.Get(1).Language)
}

func TestDispatcher_TemplateSelection(t *testing.T) {
	eng := mocks.NewScriptedEngine(mocks.EngineScript{Tokens: []string{"Arr"}})
	h := newHarness(t, eng)
	h.writeTemplate(t, locale.English, "pirate", "Talk like a pirate: {chat_in}")

	h.dispatcher.Handle(context.Background(), command(1, dispatch.CommandTemplate))
	sent := h.messenger.Sent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Keyboard)
	var data []string
	for _, row := range sent[0].Keyboard.Rows {
		data = append(data, row[0].Data)
	}
	assert.Equal(t, []string{"tpl:default", "tpl:pirate"}, data)

	h.dispatcher.Handle(context.Background(), callback(1, "tpl:pirate"))
	assert.Equal(t, "pirate", h.store.Get(1).Template)

	h.dispatcher.Handle(context.Background(), callback(1, "tpl:missing"))
	assert.Equal(t, "pirate", h.store.Get(1).Template)
	replies := h.messenger.SentTo(1)
	assert.Equal(t, "Prompt template missing is not available.", replies[len(replies)-1])

	h.dispatcher.Handle(context.Background(), text(1, "hello"))
	h.settled(t, 1)
	assert.Equal(t, []string{"Talk like a pirate: hello"}, eng.Prompts())
}

// languageSwitcher changes the session language while a template reloads.
type languageSwitcher struct {
	dispatch.Templates
	store  *session.Store
	chatID int64
}

func (l *languageSwitcher) Reload(lang locale.Language, id string) (string, error) {
	l.store.SetLanguage(l.chatID, locale.Russian)
	return l.Templates.Reload(lang, id)
}

func TestDispatcher_TemplateSelectionKeepsLanguageConsistent(t *testing.T) {
	switcher := &languageSwitcher{
		Templates: prompt.NewCatalog(t.TempDir(), prompt.WithLogger(discard)),
		chatID:    1,
	}
	h := newHarness(t, mocks.NewScriptedEngine(), withTemplates(switcher))
	switcher.store = h.store
	h.store.SetTemplate(1, "custom")

	h.dispatcher.Handle(context.Background(), callback(1, "tpl:default"))

	sess := h.store.Get(1)
	assert.Equal(t, locale.Russian, sess.Language)
	assert.Equal(t, prompt.DefaultTemplate, sess.Template, "reset by the language change, not set for English")
	replies := h.messenger.SentTo(1)
	require.NotEmpty(t, replies)
	assert.Equal(t, fmt.Sprintf(locale.For(locale.Russian).TemplateNotFound, "default"), replies[len(replies)-1])
}

func TestDispatcher_SessionsArePerChat(t *testing.T) {
	eng := mocks.NewScriptedEngine(
		mocks.EngineScript{Tokens: []string{"private"}},
		mocks.EngineScript{Tokens: []string{"group"}},
	)
	h := newHarness(t, eng)

	h.dispatcher.Handle(context.Background(), text(5, "hi"))
	h.settled(t, 1)

	inGroup := text(5, "hey")
	inGroup.ChatID = -100
	h.dispatcher.Handle(context.Background(), inGroup)
	h.settled(t, 2)

	assert.Equal(t, []string{" hi", " hey"}, eng.Prompts(), "group chat starts without the private history")
	assert.Equal(t, " hi private", h.store.Get(5).History.String())
	assert.Equal(t, " hey group", h.store.Get(-100).History.String())
	assert.Len(t, h.messenger.SentTo(-100), 1)
}

func TestDispatcher_MissingTemplateRepliesWithoutGenerating(t *testing.T) {
	eng := mocks.NewScriptedEngine()
	h := newHarness(t, eng)
	h.store.SetTemplate(1, "gone")

	h.dispatcher.Handle(context.Background(), text(1, "hello"))
	h.settled(t, 1)

	assert.Empty(t, eng.Calls())
	assert.Equal(t, []string{"Prompt template gone is not available."}, h.messenger.SentTo(1))
	assert.Equal(t, int64(1), h.manager.Stats().Failed)
	assert.True(t, h.store.Get(1).History.IsEmpty())
}

func TestDispatcher_GenerationFailure(t *testing.T) {
	eng := mocks.NewScriptedEngine(
		mocks.EngineScript{Tokens: []string{"par", "tial", "x"}, Err: errors.New("boom"), ErrAfter: 2},
	)
	h := newHarness(t, eng)

	h.dispatcher.Handle(context.Background(), text(1, "hello"))
	h.settled(t, 1)

	sent := h.messenger.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, gate.DefaultErrorMessage, h.messenger.Text(sent[0].Ref))
	assert.Equal(t, " hello partial", h.store.Get(1).History.String())
}

func TestDispatcher_EmptyGenerationIsLocalized(t *testing.T) {
	eng := mocks.NewScriptedEngine(mocks.EngineScript{})
	h := newHarness(t, eng)
	h.store.SetLanguage(1, locale.Russian)

	h.dispatcher.Handle(context.Background(), text(1, "привет"))
	h.settled(t, 1)

	sent := h.messenger.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, locale.For(locale.Russian).Blank, h.messenger.Text(sent[0].Ref))
	assert.Equal(t, " привет ", h.store.Get(1).History.String())
}

func TestDispatcher_InspectionCommands(t *testing.T) {
	h := newHarness(t, mocks.NewScriptedEngine())

	h.dispatcher.Handle(context.Background(), command(1, dispatch.CommandHistory))
	h.store.AppendHistory(1, "hello", "Hi there")
	h.dispatcher.Handle(context.Background(), command(1, dispatch.CommandHistory))
	h.dispatcher.Handle(context.Background(), command(1, dispatch.CommandStatus))
	h.dispatcher.Handle(context.Background(), command(1, "nonsense"))

	replies := h.messenger.SentTo(1)
	require.Len(t, replies, 4)
	assert.Equal(t, "History is empty.", replies[0])
	assert.Equal(t, "Current history:\nhello Hi there", replies[1])
	assert.Contains(t, replies[2], "Language: English")
	assert.Contains(t, replies[2], "Template: default")
	assert.Contains(t, replies[2], "History: 15/250 characters")
	assert.Equal(t, locale.For(locale.English).Help, replies[3])
}

// panickyTemplates panics on every call.
type panickyTemplates struct{}

func (panickyTemplates) List(locale.Language) ([]string, error)         { panic("list exploded") }
func (panickyTemplates) Load(locale.Language, string) (string, error)   { panic("load exploded") }
func (panickyTemplates) Reload(locale.Language, string) (string, error) { panic("reload exploded") }

func TestDispatcher_RecoversPanics(t *testing.T) {
	h := newHarness(t, mocks.NewScriptedEngine(), withTemplates(panickyTemplates{}))

	h.dispatcher.Handle(context.Background(), command(1, dispatch.CommandTemplate))
	assert.Equal(t, []string{gate.DefaultErrorMessage}, h.messenger.SentTo(1))

	// Panics inside queued processing still reach the user.
	h.dispatcher.Handle(context.Background(), text(2, "hello"))
	h.settled(t, 1)
	assert.Equal(t, int64(1), h.manager.Stats().Failed)
	assert.Equal(t, []string{locale.For(locale.English).Error}, h.messenger.SentTo(2))

	// The dispatcher keeps serving.
	h.dispatcher.Handle(context.Background(), command(3, dispatch.CommandHelp))
	assert.Len(t, h.messenger.SentTo(3), 1)
}

func TestDispatcher_SendFailureRepliesWithError(t *testing.T) {
	h := newHarness(t, mocks.NewScriptedEngine())
	h.messenger.SendErr = errors.New("network down")

	h.dispatcher.Handle(context.Background(), command(1, dispatch.CommandHelp))

	assert.Empty(t, h.messenger.Sent())
}

func TestDispatcher_RegisterCommands(t *testing.T) {
	h := newHarness(t, mocks.NewScriptedEngine())

	require.NoError(t, h.dispatcher.RegisterCommands(context.Background()))

	cmds := h.messenger.Commands()
	require.Len(t, cmds, 6)
	assert.Equal(t, dispatch.CommandNewChat, cmds[0].Name)
	for _, c := range cmds {
		assert.NotEmpty(t, c.Description, c.Name)
	}
}

func TestDispatcher_NotifyRateLimited(t *testing.T) {
	h := newHarness(t, mocks.NewScriptedEngine())

	h.dispatcher.NotifyRateLimited(context.Background(), queue.NewMessage(5, 50, "spam"))

	replies := h.messenger.SentTo(50)
	require.Len(t, replies, 1)
	assert.True(t, strings.HasPrefix(replies[0], "You are sending messages too fast"))
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := dispatch.New()
	assert.ErrorContains(t, err, "messenger is required")

	_, err = dispatch.New(dispatch.WithMessenger(nil))
	assert.ErrorContains(t, err, "messenger cannot be nil")

	_, err = dispatch.New(
		dispatch.WithMessenger(mocks.NewFakeMessenger()),
		dispatch.WithSessions(session.NewStore(session.Defaults{})),
	)
	assert.ErrorContains(t, err, "templates are required")
}

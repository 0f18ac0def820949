package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/Veraticus/llamagram/internal/chat"
)

// incomingChannelSize is the buffer size for the inbound event channel.
const incomingChannelSize = 100

// SentMessage records a call to Send.
type SentMessage struct {
	Ref      chat.MessageRef
	Text     string
	Keyboard *chat.Keyboard
}

// EditCall records a call to Edit.
type EditCall struct {
	Ref  chat.MessageRef
	Text string
	Err  error
}

// CallbackAnswer records a call to AnswerCallback.
type CallbackAnswer struct {
	ID   string
	Text string
}

// FakeMessenger is an in-memory chat.Messenger. Like the real platform it
// rejects edits that do not change a message's text.
type FakeMessenger struct {
	mu       sync.Mutex
	events   chan chat.Event
	current  map[chat.MessageRef]string
	sent     []SentMessage
	edits    []EditCall
	typing   map[int64]int
	answers  []CallbackAnswer
	commands []chat.Command
	nextID   int

	// SendErr is returned by Send when set
	SendErr error

	// EditFunc, when set, replaces the default edit behavior
	EditFunc func(ctx context.Context, ref chat.MessageRef, text string) error

	// SubscribeErr is returned by Subscribe when set
	SubscribeErr error
}

var _ chat.Messenger = (*FakeMessenger)(nil)

// NewFakeMessenger creates a new fake messenger.
func NewFakeMessenger() *FakeMessenger {
	return &FakeMessenger{
		events:  make(chan chat.Event, incomingChannelSize),
		current: make(map[chat.MessageRef]string),
		typing:  make(map[int64]int),
	}
}

// Send implements chat.Messenger.
func (m *FakeMessenger) Send(_ context.Context, chatID int64, text string, keyboard *chat.Keyboard) (chat.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SendErr != nil {
		return chat.MessageRef{}, m.SendErr
	}

	m.nextID++
	ref := chat.MessageRef{ChatID: chatID, MessageID: m.nextID}
	m.current[ref] = text
	m.sent = append(m.sent, SentMessage{Ref: ref, Text: text, Keyboard: keyboard})
	return ref, nil
}

// Edit implements chat.Messenger.
func (m *FakeMessenger) Edit(ctx context.Context, ref chat.MessageRef, text string) error {
	if m.EditFunc != nil {
		err := m.EditFunc(ctx, ref, text)
		m.mu.Lock()
		if err == nil {
			m.current[ref] = text
		}
		m.edits = append(m.edits, EditCall{Ref: ref, Text: text, Err: err})
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	prev, ok := m.current[ref]
	switch {
	case !ok:
		err = fmt.Errorf("message %d in chat %d not found", ref.MessageID, ref.ChatID)
	case prev == text:
		err = chat.ErrEditConflict
	default:
		m.current[ref] = text
	}
	m.edits = append(m.edits, EditCall{Ref: ref, Text: text, Err: err})
	return err
}

// SendTyping implements chat.Messenger.
func (m *FakeMessenger) SendTyping(_ context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing[chatID]++
	return nil
}

// AnswerCallback implements chat.Messenger.
func (m *FakeMessenger) AnswerCallback(_ context.Context, callbackID string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers = append(m.answers, CallbackAnswer{ID: callbackID, Text: text})
	return nil
}

// Subscribe implements chat.Messenger.
func (m *FakeMessenger) Subscribe(_ context.Context) (<-chan chat.Event, error) {
	if m.SubscribeErr != nil {
		return nil, m.SubscribeErr
	}
	return m.events, nil
}

// SetCommands implements chat.Messenger.
func (m *FakeMessenger) SetCommands(_ context.Context, commands []chat.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append([]chat.Command(nil), commands...)
	return nil
}

// Emit delivers an inbound event to subscribers.
func (m *FakeMessenger) Emit(event chat.Event) {
	m.events <- event
}

// CloseEvents closes the inbound channel.
func (m *FakeMessenger) CloseEvents() {
	close(m.events)
}

// Sent returns a copy of all sent messages.
func (m *FakeMessenger) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns the texts sent to a chat, in order.
func (m *FakeMessenger) SentTo(chatID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		if s.Ref.ChatID == chatID {
			out = append(out, s.Text)
		}
	}
	return out
}

// Edits returns a copy of all edit calls.
func (m *FakeMessenger) Edits() []EditCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EditCall, len(m.edits))
	copy(out, m.edits)
	return out
}

// Text returns the current text of a message.
func (m *FakeMessenger) Text(ref chat.MessageRef) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current[ref]
}

// TypingCount returns how many typing indicators were sent to a chat.
func (m *FakeMessenger) TypingCount(chatID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typing[chatID]
}

// Answers returns a copy of the callback answers.
func (m *FakeMessenger) Answers() []CallbackAnswer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallbackAnswer, len(m.answers))
	copy(out, m.answers)
	return out
}

// Commands returns the registered command menu.
func (m *FakeMessenger) Commands() []chat.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.Command(nil), m.commands...)
}

package chat

import (
	"strings"
	"time"
)

// EventKind identifies the type of an inbound event.
type EventKind int

// Event kinds.
const (
	EventText EventKind = iota
	EventCommand
	EventCallback
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventCommand:
		return "command"
	case EventCallback:
		return "callback"
	default:
		return "unknown"
	}
}

// Event is one inbound update from a user.
type Event struct {
	Timestamp  time.Time
	Username   string // Without the leading @
	FirstName  string
	Text       string // Full message text
	Command    string // Command name without slash, for EventCommand
	Args       string // Text after the command
	CallbackID string // For EventCallback
	Data       string // Callback payload
	ChatID     int64
	UserID     int64
	Kind       EventKind
}

// MessageRef identifies a sent message so it can be edited.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button is an inline keyboard button carrying callback data.
type Button struct {
	Text string
	Data string
}

// Keyboard is an inline keyboard laid out in rows.
type Keyboard struct {
	Rows [][]Button
}

// NewKeyboard lays buttons out one per row.
func NewKeyboard(buttons ...Button) *Keyboard {
	kb := &Keyboard{Rows: make([][]Button, 0, len(buttons))}
	for _, b := range buttons {
		kb.Rows = append(kb.Rows, []Button{b})
	}
	return kb
}

// Command is an entry in the client's command menu.
type Command struct {
	Name        string
	Description string
}

// ParseCommand splits "/name@bot args" into name and args. ok is false when
// text is not a command.
func ParseCommand(text string) (name, args string, ok bool) {
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

// Package session keeps the per-conversation state. The dispatcher keys
// sessions by Telegram chat id, which equals the user id in private chats.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/Veraticus/llamagram/internal/history"
	"github.com/Veraticus/llamagram/internal/locale"
	"github.com/Veraticus/llamagram/internal/prompt"
)

// Session is a snapshot of one chat's state.
type Session struct {
	ChatID   int64
	Language locale.Language
	Template string
	History  history.Buffer
}

// Defaults configures the state of newly created sessions.
type Defaults struct {
	Language     locale.Language
	Template     string
	HistoryLimit int
}

// record is the store-owned state of one user.
type record struct {
	session Session
	mu      sync.RWMutex
}

// Store owns every session. Sessions are created lazily and live for the
// lifetime of the process.
//
// Mutations of one chat's session are serialized against each other; different
// users never share a lock.
type Store struct {
	records  sync.Map // int64 -> *record
	count    atomic.Int64
	defaults Defaults
}

// NewStore creates an empty store. Zero-valued defaults select English, the
// default template and the default history limit.
func NewStore(defaults Defaults) *Store {
	if defaults.Language == "" {
		defaults.Language = locale.Default
	}
	if defaults.Template == "" {
		defaults.Template = prompt.DefaultTemplate
	}
	if defaults.HistoryLimit <= 0 {
		defaults.HistoryLimit = history.DefaultLimit
	}
	return &Store{defaults: defaults}
}

// Get returns a copy of the chat's session, creating it if needed.
func (s *Store) Get(chatID int64) Session {
	r := s.record(chatID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session
}

// Update applies fn to the chat's session atomically and returns the result.
// fn must not call back into the store for the same user.
func (s *Store) Update(chatID int64, fn func(*Session)) Session {
	r := s.record(chatID)
	r.mu.Lock()
	defer r.mu.Unlock()

	fn(&r.session)
	r.session.ChatID = chatID
	return r.session
}

// SetLanguage switches the chat's language and resets the template to the
// default, since template ids are scoped to a language.
func (s *Store) SetLanguage(chatID int64, lang locale.Language) Session {
	return s.Update(chatID, func(sess *Session) {
		if sess.Language != lang {
			sess.Template = s.defaults.Template
		}
		sess.Language = lang
	})
}

// SetTemplate selects the chat's prompt template.
func (s *Store) SetTemplate(chatID int64, templateID string) Session {
	return s.Update(chatID, func(sess *Session) {
		sess.Template = templateID
	})
}

// SetTemplateIf selects templateID only while the session's language is
// still lang. It reports whether the template was set.
func (s *Store) SetTemplateIf(chatID int64, lang locale.Language, templateID string) (Session, bool) {
	var set bool
	sess := s.Update(chatID, func(sess *Session) {
		if sess.Language == lang {
			sess.Template = templateID
			set = true
		}
	})
	return sess, set
}

// ClearHistory empties the chat's history.
func (s *Store) ClearHistory(chatID int64) Session {
	return s.Update(chatID, func(sess *Session) {
		sess.History = sess.History.Reset()
	})
}

// AppendHistory records one exchange in the chat's history.
func (s *Store) AppendHistory(chatID int64, in, out string) Session {
	return s.Update(chatID, func(sess *Session) {
		sess.History = sess.History.Append(in, out)
	})
}

// Defaults returns the defaults applied to new sessions.
func (s *Store) Defaults() Defaults {
	return s.defaults
}

// Len returns the number of sessions.
func (s *Store) Len() int {
	return int(s.count.Load())
}

// Stats returns current session statistics.
func (s *Store) Stats() map[string]int {
	return map[string]int{
		"total": s.Len(),
	}
}

func (s *Store) record(chatID int64) *record {
	if r, ok := s.records.Load(chatID); ok {
		return r.(*record) //nolint:forcetypeassert // only *record is stored
	}

	fresh := &record{session: s.newSession(chatID)}
	r, loaded := s.records.LoadOrStore(chatID, fresh)
	if !loaded {
		s.count.Add(1)
	}
	return r.(*record) //nolint:forcetypeassert // only *record is stored
}

func (s *Store) newSession(chatID int64) Session {
	return Session{
		ChatID:   chatID,
		Language: s.defaults.Language,
		Template: s.defaults.Template,
		History:  history.New(s.defaults.HistoryLimit),
	}
}

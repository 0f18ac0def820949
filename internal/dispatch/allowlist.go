package dispatch

import (
	"sort"
	"strconv"
	"strings"
)

// AllowList is the set of users permitted to talk to the bot, by numeric id
// or by username. The zero value permits everyone.
type AllowList struct {
	ids   map[int64]struct{}
	names map[string]struct{}
}

// ParseAllowList parses a comma-separated list such as "12345, @alice, bob".
// Numeric entries are user ids; anything else is a username, matched without
// the leading @ and case-insensitively. Blank entries are ignored.
func ParseAllowList(raw string) AllowList {
	return NewAllowList(strings.Split(raw, ",")...)
}

// NewAllowList builds an allow-list from individual entries.
func NewAllowList(entries ...string) AllowList {
	a := AllowList{
		ids:   make(map[int64]struct{}),
		names: make(map[string]struct{}),
	}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if id, err := strconv.ParseInt(entry, 10, 64); err == nil {
			a.ids[id] = struct{}{}
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(entry, "@"))
		if name != "" {
			a.names[name] = struct{}{}
		}
	}
	return a
}

// IsEmpty reports whether the list is unrestricted.
func (a AllowList) IsEmpty() bool {
	return len(a.ids) == 0 && len(a.names) == 0
}

// Permits reports whether the sender may use the bot.
func (a AllowList) Permits(userID int64, username string) bool {
	if a.IsEmpty() {
		return true
	}
	if _, ok := a.ids[userID]; ok {
		return true
	}
	if username == "" {
		return false
	}
	_, ok := a.names[strings.ToLower(strings.TrimPrefix(username, "@"))]
	return ok
}

// Entries returns the list's entries, ids first, for logging.
func (a AllowList) Entries() []string {
	ids := make([]int64, 0, len(a.ids))
	for id := range a.ids {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	names := make([]string, 0, len(a.names))
	for name := range a.names {
		names = append(names, "@"+name)
	}
	sort.Strings(names)

	out := make([]string, 0, len(ids)+len(names))
	for _, id := range ids {
		out = append(out, strconv.FormatInt(id, 10))
	}
	return append(out, names...)
}

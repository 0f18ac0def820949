// Package history provides the bounded rolling chat history kept per user.
package history

// DefaultLimit is the default number of characters retained.
const DefaultLimit = 250

// Buffer is a rolling text window that keeps only the most recent characters.
// The zero value is an empty buffer with DefaultLimit. Buffer has value
// semantics; Append returns a new Buffer and never mutates the receiver.
type Buffer struct {
	text  string
	limit int
}

// New creates an empty buffer holding at most limit characters.
// A non-positive limit selects DefaultLimit.
func New(limit int) Buffer {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return Buffer{limit: limit}
}

// Append records one exchange and truncates to the limit, keeping the suffix.
// The result is suffix(text + " " + in + " " + out, limit).
func (b Buffer) Append(in, out string) Buffer {
	b.text = truncate(b.text+" "+in+" "+out, b.Limit())
	return b
}

// Reset returns an empty buffer with the same limit.
func (b Buffer) Reset() Buffer {
	b.text = ""
	return b
}

// String returns the buffered text.
func (b Buffer) String() string {
	return b.text
}

// Len returns the number of characters (runes) in the buffer.
func (b Buffer) Len() int {
	return len([]rune(b.text))
}

// Limit returns the maximum number of characters retained.
func (b Buffer) Limit() int {
	if b.limit <= 0 {
		return DefaultLimit
	}
	return b.limit
}

// IsEmpty reports whether nothing has been recorded.
func (b Buffer) IsEmpty() bool {
	return b.text == ""
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		// Byte length bounds rune length, so nothing to drop.
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[len(runes)-limit:])
}

package prompt

import (
	"errors"
	"fmt"
	"strings"
)

// Substitution keys understood by the bundled templates.
const (
	KeyChatIn      = "chat_in"
	KeyChatHistory = "chat_history"
)

// ErrRender indicates a template could not be rendered.
var ErrRender = errors.New("failed to render template")

// MissingKeyError reports a placeholder that has no substitution.
type MissingKeyError struct {
	Key string
}

// Error implements the error interface.
func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("no substitution for placeholder %q", e.Key)
}

// Render substitutes named placeholders in text.
//
// Placeholders use the {name} form with {{ and }} as literal braces. Keys in
// subs that the text never mentions are ignored. If a placeholder has no
// substitution, rendering is retried once with only the chat_in key; templates
// that omit chat_history therefore always render.
func Render(text string, subs map[string]string) (string, error) {
	out, err := format(text, subs)
	if err == nil {
		return out, nil
	}

	var missing *MissingKeyError
	if !errors.As(err, &missing) {
		return "", fmt.Errorf("%w: %w", ErrRender, err)
	}

	only := map[string]string{}
	if in, ok := subs[KeyChatIn]; ok {
		only[KeyChatIn] = in
	}
	out, err = format(text, only)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRender, err)
	}
	return out, nil
}

// format performs a single substitution pass.
func format(text string, subs map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(text))

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '{':
			if i+1 < len(text) && text[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(text[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("unclosed '{' at offset %d", i)
			}
			field := text[i+1 : i+1+end]
			if strings.ContainsRune(field, '{') {
				return "", fmt.Errorf("unexpected '{' in field at offset %d", i)
			}
			name := fieldName(field)
			if name == "" {
				return "", fmt.Errorf("empty placeholder at offset %d", i)
			}
			value, ok := subs[name]
			if !ok {
				return "", &MissingKeyError{Key: name}
			}
			b.WriteString(value)
			i += end + 1
		case '}':
			if i+1 < len(text) && text[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", fmt.Errorf("single '}' at offset %d", i)
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// fieldName strips conversion and format suffixes from a field.
func fieldName(field string) string {
	if idx := strings.IndexAny(field, "!:"); idx >= 0 {
		field = field[:idx]
	}
	return strings.TrimSpace(field)
}

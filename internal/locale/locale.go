// Package locale holds the per-language message table.
//
// Messages are data, not behavior: switching a user's language is a lookup in
// the table, never a change of process-wide state.
package locale

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Language identifies a supported language by its ISO 639-1 code.
type Language string

// Supported languages.
const (
	English Language = "en"
	Russian Language = "ru"
)

// Default is the language used when none is configured.
const Default = English

// Messages is the set of user-facing strings for one language.
type Messages struct {
	Name             string            `yaml:"name"`
	Greeting         string            `yaml:"greeting"`
	TextChatButton   string            `yaml:"text_chat_button"`
	TextChatEnabled  string            `yaml:"text_chat_enabled"`
	Placeholder      string            `yaml:"placeholder"`
	Blank            string            `yaml:"blank"`
	Error            string            `yaml:"error"`
	ChooseLanguage   string            `yaml:"choose_language"`
	LanguageSet      string            `yaml:"language_set"`
	ChooseTemplate   string            `yaml:"choose_template"`
	TemplateSet      string            `yaml:"template_set"`
	TemplateNotFound string            `yaml:"template_not_found"`
	NoTemplates      string            `yaml:"no_templates"`
	HistoryEmpty     string            `yaml:"history_empty"`
	History          string            `yaml:"history"`
	Status           string            `yaml:"status"`
	RateLimited      string            `yaml:"rate_limited"`
	Help             string            `yaml:"help"`
	Commands         map[string]string `yaml:"commands"`
}

//go:embed messages.yaml
var rawMessages []byte

var table = mustLoad(rawMessages)

func mustLoad(data []byte) map[Language]Messages {
	t, err := load(data)
	if err != nil {
		panic(err)
	}
	return t
}

func load(data []byte) (map[Language]Messages, error) {
	var t map[Language]Messages
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse message table: %w", err)
	}
	if _, ok := t[Default]; !ok {
		return nil, fmt.Errorf("message table has no %q entry", Default)
	}
	return t, nil
}

// For returns the messages for lang, falling back to the default language.
func For(lang Language) Messages {
	if m, ok := table[lang]; ok {
		return m
	}
	return table[Default]
}

// Parse converts a language code into a supported Language.
func Parse(code string) (Language, error) {
	lang := Language(strings.ToLower(strings.TrimSpace(code)))
	if _, ok := table[lang]; !ok {
		return "", fmt.Errorf("unsupported language %q", code)
	}
	return lang, nil
}

// Languages returns all supported languages in a stable order.
func Languages() []Language {
	langs := make([]Language, 0, len(table))
	for lang := range table {
		langs = append(langs, lang)
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i] < langs[j] })
	return langs
}

// String returns the language code.
func (l Language) String() string {
	return string(l)
}

// Package prompt provides the catalog of prompt templates and their rendering.
//
// Templates live on disk under one directory per language:
//
//	<root>/<language>/<id>.txt
//
// The catalog caches template text after the first load. Request paths read the
// cache; Reload re-reads a template from disk and is used when a user selects a
// template explicitly.
package prompt

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Veraticus/llamagram/internal/locale"
)

const (
	// DefaultTemplate is the template id used for new sessions.
	DefaultTemplate = "default"

	// Extension is the file extension recognized as a template.
	Extension = ".txt"

	// DefaultTemplateText is served for DefaultTemplate when no file exists.
	DefaultTemplateText = "{chat_history} {chat_in}"
)

// ErrTemplateNotFound indicates the requested template or language directory is missing.
var ErrTemplateNotFound = errors.New("template not found")

type cacheKey struct {
	lang locale.Language
	id   string
}

// Catalog lists, loads and caches prompt templates.
// It is safe for concurrent use.
type Catalog struct {
	root      string
	fallbacks map[string]string
	cache     map[cacheKey]string
	logger    *slog.Logger
	mu        sync.RWMutex
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithFallback serves text for id when the template file is absent.
func WithFallback(id, text string) CatalogOption {
	return func(c *Catalog) {
		c.fallbacks[id] = text
	}
}

// WithoutFallbacks disables all built-in fallback templates.
func WithoutFallbacks() CatalogOption {
	return func(c *Catalog) {
		c.fallbacks = make(map[string]string)
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) CatalogOption {
	return func(c *Catalog) {
		c.logger = logger
	}
}

// NewCatalog creates a catalog rooted at dir.
// By default DefaultTemplate falls back to DefaultTemplateText.
func NewCatalog(dir string, opts ...CatalogOption) *Catalog {
	c := &Catalog{
		root:      dir,
		fallbacks: map[string]string{DefaultTemplate: DefaultTemplateText},
		cache:     make(map[cacheKey]string),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "prompt.catalog"))
	return c
}

// List returns the template ids available for lang, sorted by name.
func (c *Catalog) List(lang locale.Language) ([]string, error) {
	dir := filepath.Join(c.root, string(lang))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if len(c.fallbacks) > 0 {
				return c.fallbackIDs(), nil
			}
			return nil, fmt.Errorf("%w: language directory %s", ErrTemplateNotFound, dir)
		}
		return nil, fmt.Errorf("failed to list templates in %s: %w", dir, err)
	}

	seen := make(map[string]bool)
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != Extension {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), Extension)
		seen[id] = true
		ids = append(ids, id)
	}
	for id := range c.fallbacks {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Load returns the text of template id for lang, reading it from disk on the
// first request and from the cache afterwards.
func (c *Catalog) Load(lang locale.Language, id string) (string, error) {
	key := cacheKey{lang: lang, id: id}

	c.mu.RLock()
	text, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return text, nil
	}

	return c.Reload(lang, id)
}

// Reload re-reads template id for lang from disk and refreshes the cache.
func (c *Catalog) Reload(lang locale.Language, id string) (string, error) {
	if !validID(id) {
		return "", fmt.Errorf("%w: invalid id %q", ErrTemplateNotFound, id)
	}

	key := cacheKey{lang: lang, id: id}
	path := filepath.Join(c.root, string(lang), id+Extension)

	data, err := os.ReadFile(path) // #nosec G304 - id is validated to a single path element
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to read template %s: %w", path, err)
		}
		fallback, ok := c.fallbacks[id]
		if !ok {
			c.mu.Lock()
			delete(c.cache, key)
			c.mu.Unlock()
			return "", fmt.Errorf("%w: %s/%s", ErrTemplateNotFound, lang, id)
		}
		c.logger.Debug("using built-in template",
			slog.String("language", lang.String()),
			slog.String("template", id))
		data = []byte(fallback)
	}

	text := string(data)
	if err := Validate(text); err != nil {
		return "", fmt.Errorf("template %s/%s: %w", lang, id, err)
	}

	c.mu.Lock()
	c.cache[key] = text
	c.mu.Unlock()

	return text, nil
}

// Validate ensures a template is usable.
// A valid template is non-empty after trimming whitespace.
func Validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("template is empty")
	}
	return nil
}

func (c *Catalog) fallbackIDs() []string {
	ids := make([]string, 0, len(c.fallbacks))
	for id := range c.fallbacks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// validID rejects ids that would escape the language directory.
func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

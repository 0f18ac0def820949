// Package config provides configuration loading and validation for llamagram.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Veraticus/llamagram/internal/engine"
	"github.com/Veraticus/llamagram/internal/locale"
)

// Default values.
const (
	DefaultEngineURL         = "http://127.0.0.1:8080"
	DefaultMaxTokens         = 240
	DefaultTopP              = 1.0
	DefaultStopToken         = "</s>"
	DefaultHistoryLimit      = 250
	DefaultGenerationTimeout = 5 // minutes
	DefaultTemplateDir       = "prompts"
	DefaultGateSize          = 1
	DefaultWorkers           = 4
	DefaultEditTimeout       = 10 * time.Second
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
)

// Config holds all application configuration.
type Config struct {
	BotToken                 string        `toml:"bot_token"`
	EngineURL                string        `toml:"engine_url"`
	StopToken                string        `toml:"stop_token"`
	AllowedUsers             string        `toml:"allowed_users"` // Comma-separated ids or usernames
	TemplateDir              string        `toml:"template_dir"`
	DefaultLanguage          string        `toml:"default_language"`
	LogLevel                 string        `toml:"log_level"`
	LogFormat                string        `toml:"log_format"`
	TopP                     float64       `toml:"top_p"`
	UpdateInterval           time.Duration `toml:"update_interval"` // 0 attempts every snapshot
	EditTimeout              time.Duration `toml:"edit_timeout"`
	MaxTokens                int           `toml:"max_tokens"`
	HistoryLimit             int           `toml:"history_limit"`
	GenerationTimeoutMinutes int           `toml:"generation_timeout_minutes"`
	GateSize                 int           `toml:"gate_size"`
	Workers                  int           `toml:"workers"`
	RateLimitPerMinute       int           `toml:"rate_limit_per_minute"` // 0 disables rate limiting
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		EngineURL:                DefaultEngineURL,
		MaxTokens:                DefaultMaxTokens,
		TopP:                     DefaultTopP,
		StopToken:                DefaultStopToken,
		HistoryLimit:             DefaultHistoryLimit,
		GenerationTimeoutMinutes: DefaultGenerationTimeout,
		TemplateDir:              DefaultTemplateDir,
		DefaultLanguage:          string(locale.Default),
		GateSize:                 DefaultGateSize,
		Workers:                  DefaultWorkers,
		EditTimeout:              DefaultEditTimeout,
		LogLevel:                 DefaultLogLevel,
		LogFormat:                DefaultLogFormat,
	}
}

// Load builds the configuration from defaults, the optional TOML file named
// by CONFIG_FILE, and the environment, in that order of precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadTOML overlays the settings in a TOML file onto cfg.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys in config file %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnv overrides cfg with any environment variables that are set.
func (c *Config) ApplyEnv() error {
	c.BotToken = getEnv("BOT_TOKEN", c.BotToken)
	c.EngineURL = getEnv("ENGINE_URL", c.EngineURL)
	c.StopToken = getEnv("STOP_TOKEN", c.StopToken)
	c.AllowedUsers = getEnv("ALLOWED_USERS", c.AllowedUsers)
	c.TemplateDir = getEnv("TEMPLATE_DIR", c.TemplateDir)
	c.DefaultLanguage = getEnv("DEFAULT_LANGUAGE", c.DefaultLanguage)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	var err error
	if c.TopP, err = getEnvFloat("TOP_P", c.TopP); err != nil {
		return err
	}
	if c.UpdateInterval, err = getEnvDuration("UPDATE_INTERVAL", c.UpdateInterval); err != nil {
		return err
	}
	if c.EditTimeout, err = getEnvDuration("EDIT_TIMEOUT", c.EditTimeout); err != nil {
		return err
	}

	ints := []struct {
		key   string
		value *int
	}{
		{"MAX_TOKENS", &c.MaxTokens},
		{"HISTORY_LIMIT", &c.HistoryLimit},
		{"GENERATION_TIMEOUT_MINUTES", &c.GenerationTimeoutMinutes},
		{"GATE_SIZE", &c.GateSize},
		{"WORKERS", &c.Workers},
		{"RATE_LIMIT_PER_MINUTE", &c.RateLimitPerMinute},
	}
	for _, i := range ints {
		if *i.value, err = getEnvInt(i.key, *i.value); err != nil {
			return err
		}
	}

	return nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("BOT_TOKEN is required")
	}
	u, err := url.Parse(c.EngineURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("ENGINE_URL must be an http(s) URL, got %q", c.EngineURL)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("MAX_TOKENS must be > 0")
	}
	if c.TopP <= 0 || c.TopP > 1 {
		return fmt.Errorf("TOP_P must be in (0, 1]")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	if c.GenerationTimeoutMinutes <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT_MINUTES must be > 0")
	}
	if c.TemplateDir == "" {
		return fmt.Errorf("TEMPLATE_DIR cannot be empty")
	}
	if _, err := locale.Parse(c.DefaultLanguage); err != nil {
		return fmt.Errorf("DEFAULT_LANGUAGE: %w", err)
	}
	if c.GateSize <= 0 {
		return fmt.Errorf("GATE_SIZE must be > 0")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be > 0")
	}
	if c.UpdateInterval < 0 {
		return fmt.Errorf("UPDATE_INTERVAL cannot be negative")
	}
	if c.EditTimeout <= 0 {
		return fmt.Errorf("EDIT_TIMEOUT must be > 0")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE cannot be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if _, err := newHandler(os.Stderr, slog.LevelInfo, c.LogFormat); err != nil {
		return fmt.Errorf("LOG_FORMAT: %w", err)
	}
	return nil
}

// GenerationTimeout returns the generation deadline.
func (c *Config) GenerationTimeout() time.Duration {
	return time.Duration(c.GenerationTimeoutMinutes) * time.Minute
}

// Language returns the default language for new sessions.
func (c *Config) Language() locale.Language {
	lang, err := locale.Parse(c.DefaultLanguage)
	if err != nil {
		return locale.Default
	}
	return lang
}

// Params returns the engine generation parameters.
func (c *Config) Params() engine.Params {
	p := engine.Params{MaxTokens: c.MaxTokens, TopP: c.TopP}
	if c.StopToken != "" {
		p.Stop = []string{c.StopToken}
	}
	return p
}

// LogValue implements slog.LogValuer. The bot token is never logged.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("engine_url", c.EngineURL),
		slog.Int("max_tokens", c.MaxTokens),
		slog.Float64("top_p", c.TopP),
		slog.String("stop_token", c.StopToken),
		slog.Int("history_limit", c.HistoryLimit),
		slog.Duration("generation_timeout", c.GenerationTimeout()),
		slog.String("template_dir", c.TemplateDir),
		slog.String("default_language", c.DefaultLanguage),
		slog.Int("gate_size", c.GateSize),
		slog.Int("workers", c.Workers),
		slog.Duration("update_interval", c.UpdateInterval),
		slog.Duration("edit_timeout", c.EditTimeout),
		slog.Int("rate_limit_per_minute", c.RateLimitPerMinute),
	)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, value)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", key, value)
	}
	return f, nil
}

// getEnvDuration accepts Go durations ("750ms") or plain seconds ("2", "0.5").
func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

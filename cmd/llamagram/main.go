// Package main provides the entry point for the llamagram Telegram bot.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Veraticus/llamagram/internal/chat/telegram"
	"github.com/Veraticus/llamagram/internal/config"
	"github.com/Veraticus/llamagram/internal/engine/llamacpp"
)

const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 30 * time.Second

	// StaleLimiterAge is how long an idle user's rate limiter is kept.
	StaleLimiterAge = time.Hour
)

func main() {
	os.Exit(runMain())
}

func runMain() int {
	dotenvErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger, err := cfg.NewLogger(os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	slog.SetDefault(logger)

	if dotenvErr != nil {
		logger.Info("No .env file found, using environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("llamagram stopped with error", slog.Any("error", err))
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("llamagram starting", slog.Any("config", cfg))

	client, err := llamacpp.NewClient(llamacpp.Config{BaseURL: cfg.EngineURL})
	if err != nil {
		return fmt.Errorf("failed to create engine client: %w", err)
	}
	checkEngine(ctx, client, cfg.EngineURL, logger)

	messenger, err := telegram.New(cfg.BotToken, telegram.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to connect to Telegram: %w", err)
	}
	logger.Info("connected to Telegram", slog.String("bot", messenger.BotName()))

	a, err := newApp(cfg, logger, messenger, client)
	if err != nil {
		return err
	}

	if err := a.dispatcher.RegisterCommands(ctx); err != nil {
		logger.Warn("failed to register bot commands", slog.Any("error", err))
	} else {
		logger.Info("bot commands registered")
	}

	return a.run(ctx)
}

// checkEngine logs whether the engine answers its health endpoint. The bot
// starts either way.
func checkEngine(ctx context.Context, client *llamacpp.Client, engineURL string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, llamacpp.DefaultHealthTimeout)
	defer cancel()

	if err := client.Health(ctx); err != nil {
		logger.Warn("engine is not healthy yet; generations will fail until it is",
			slog.String("engine_url", engineURL),
			slog.Any("error", err))
		return
	}
	logger.Info("engine is healthy", slog.String("engine_url", engineURL))
}

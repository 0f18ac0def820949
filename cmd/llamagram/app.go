package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Veraticus/llamagram/internal/chat"
	"github.com/Veraticus/llamagram/internal/config"
	"github.com/Veraticus/llamagram/internal/dispatch"
	"github.com/Veraticus/llamagram/internal/engine"
	"github.com/Veraticus/llamagram/internal/gate"
	"github.com/Veraticus/llamagram/internal/prompt"
	"github.com/Veraticus/llamagram/internal/queue"
	"github.com/Veraticus/llamagram/internal/session"
	"github.com/Veraticus/llamagram/internal/throttle"
)

// app holds the wired components of a running bot.
type app struct {
	logger          *slog.Logger
	handler         *chat.Handler
	dispatcher      *dispatch.Dispatcher
	manager         *queue.Manager
	pool            *queue.WorkerPool
	limiter         *queue.UserRateLimiter
	shutdownTimeout time.Duration
}

// newApp wires every component around the given messenger and engine.
func newApp(cfg *config.Config, logger *slog.Logger, messenger chat.Messenger, eng engine.Engine) (*app, error) {
	a := &app{
		logger:          logger,
		shutdownTimeout: ShutdownTimeout,
	}

	store := session.NewStore(session.Defaults{
		Language:     cfg.Language(),
		HistoryLimit: cfg.HistoryLimit,
	})

	generator := gate.New(eng, gate.Config{
		Size:    cfg.GateSize,
		Timeout: cfg.GenerationTimeout(),
		Params:  cfg.Params(),
	}, gate.WithLogger(logger))

	throttler := throttle.New(throttle.Config{
		Interval:    cfg.UpdateInterval,
		EditTimeout: cfg.EditTimeout,
	}, throttle.WithLogger(logger))

	// The manager outlives the signal context so queued work can drain.
	a.manager = queue.NewManager(context.Background(), queue.WithManagerLogger(logger))

	allow := dispatch.ParseAllowList(cfg.AllowedUsers)
	if allow.IsEmpty() {
		logger.Warn("ALLOWED_USERS is empty; the bot will answer anyone")
	} else {
		logger.Info("access restricted", slog.Any("allowed_users", allow.Entries()))
	}

	var err error
	a.dispatcher, err = dispatch.New(
		dispatch.WithMessenger(messenger),
		dispatch.WithSessions(store),
		dispatch.WithTemplates(prompt.NewCatalog(cfg.TemplateDir, prompt.WithLogger(logger))),
		dispatch.WithGenerator(generator),
		dispatch.WithQueue(a.manager),
		dispatch.WithThrottler(throttler),
		dispatch.WithTypingIndicator(chat.NewTypingIndicatorManager(messenger, logger)),
		dispatch.WithAllowList(allow),
		dispatch.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	poolConfig := queue.PoolConfig{
		Size:         cfg.Workers,
		Processor:    a.dispatcher,
		QueueManager: a.manager,
		Logger:       logger,
	}
	if cfg.RateLimitPerMinute > 0 {
		a.limiter = queue.NewRateLimiter(cfg.RateLimitPerMinute, 0)
		poolConfig.RateLimiter = a.limiter
	}

	a.pool, err = queue.NewWorkerPool(poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	a.handler, err = chat.NewHandler(messenger, a.dispatcher, chat.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat handler: %w", err)
	}

	return a, nil
}

// run starts all components and blocks until ctx is canceled or the chat
// handler fails. Generations in flight at that point are given
// shutdownTimeout to finish.
func (a *app) run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.manager.Start()
		return nil
	})

	a.pool.Start(workCtx)
	a.logger.Info("worker pool started", slog.Int("workers", a.pool.Size()))

	g.Go(func() error {
		return a.handler.Start(gctx)
	})

	if a.limiter != nil {
		g.Go(func() error {
			a.sweepLimiters(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown(cancelWork)
	})

	a.logger.Info("llamagram running")
	return g.Wait()
}

func (a *app) shutdown(cancelWork context.CancelFunc) error {
	a.logger.Info("shutting down", slog.String("queue", a.manager.Stats().String()))

	err := a.manager.Shutdown(a.shutdownTimeout)
	if err != nil {
		a.logger.Error("queue manager shutdown error", slog.Any("error", err))
	}

	done := make(chan struct{})
	go func() {
		a.pool.Wait()
		close(done)
	}()

	timer := time.NewTimer(a.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		a.logger.Warn("generations still running after shutdown timeout, cancelling",
			slog.Int("active_workers", a.pool.Active()))
		cancelWork()
		<-done
	}

	a.dispatcher.Stop()
	a.logger.Info("shutdown complete")
	return err
}

// sweepLimiters drops rate limiters for users idle longer than StaleLimiterAge.
func (a *app) sweepLimiters(ctx context.Context) {
	ticker := time.NewTicker(StaleLimiterAge / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.limiter.CleanupStale(StaleLimiterAge); n > 0 {
				a.logger.Debug("removed stale rate limiters",
					slog.Int("removed", n),
					slog.Int("remaining", a.limiter.Len()))
			}
		}
	}
}

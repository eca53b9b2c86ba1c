package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"

	"slot_bot/internal/bot"
	"slot_bot/internal/config"
	"slot_bot/internal/fetcher"
	"slot_bot/internal/notifier"
	"slot_bot/internal/scheduler"
	"slot_bot/internal/storage"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	centers, err := config.LoadCenters(cfg.CentersFile)
	if err != nil {
		log.Error("load centers", "path", cfg.CentersFile, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		log.Error("open storage", "driver", cfg.StorageDriver, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	b, err := bot.New(cfg.TelegramBotToken, store, centers, cfg, log)
	if err != nil {
		log.Error("create bot", "error", err)
		os.Exit(1)
	}

	f := fetcher.New(&http.Client{},
		fetcher.WithBaseURL(cfg.ProviderURL),
		fetcher.WithLimit(cfg.SlotLimit),
		fetcher.WithTimeout(cfg.ProviderTimeout),
	)
	n := notifier.New(b, cfg.SendRate, cfg.ScheduleURL, log)
	sched := scheduler.New(centers, store, f, n, b, scheduler.Options{
		Schedule:              cfg.PollSchedule,
		Workers:               cfg.Workers,
		Granularity:           cfg.Granularity,
		AtMostOnce:            cfg.DeliveryMode == config.AtMostOnce,
		PruneConfirmations:    cfg.PruneConfirmations,
		PermanentFailureLimit: cfg.PermanentFailureLimit,
		AdminChatID:           cfg.AdminChatID,
		LockTTL:               cfg.LockTTL,
		SendRate:              cfg.SendRate,
		DrainTimeout:          cfg.ShutdownTimeout,
	}, log)

	log.Info("starting bot",
		"centers", len(centers), "storage", cfg.StorageDriver, "schedule", cfg.PollSchedule)

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(ctx); err != nil {
			log.Error("scheduler stopped", "error", err)
			cancel()
		}
	}()

	b.Run(ctx)

	// The store is closed on return, so in-flight pipelines must drain first.
	cancel()
	<-schedDone

	log.Info("bot stopped")
}

// openStorage connects to the configured backend, retrying while it comes up.
func openStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Storage, error) {
	if cfg.StorageDriver == "sqlite" {
		if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create data directory %s: %w", dir, err)
			}
		}
	}

	opts := storage.Options{
		Driver:       cfg.StorageDriver,
		RedisURL:     cfg.RedisURL,
		RedisPrefix:  cfg.RedisPrefix,
		DatabasePath: cfg.DatabasePath,
	}

	var store storage.Storage
	backoff := retry.WithMaxRetries(5, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := storage.Open(ctx, opts)
		if err != nil {
			log.Warn("storage not ready", "driver", opts.Driver, "error", err)
			return retry.RetryableError(err)
		}
		store = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

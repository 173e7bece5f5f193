package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"reddit_mod_bot/internal/action"
	"reddit_mod_bot/internal/bot"
	"reddit_mod_bot/internal/config"
	"reddit_mod_bot/internal/ingest"
	"reddit_mod_bot/internal/reddit"
	"reddit_mod_bot/internal/scheduler"
	"reddit_mod_bot/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	executors := make(map[string]*action.Executor, len(cfg.Setups))
	sources := make(map[string]ingest.ReportSource, len(cfg.Setups))
	for _, setup := range cfg.Setups {
		client := reddit.New(http.DefaultClient, reddit.Credentials{
			ClientID:     setup.RedditClientID,
			ClientSecret: setup.RedditClientSecret,
			RefreshToken: setup.RedditRefreshToken,
			Username:     setup.RedditUsername,
			Password:     setup.RedditPassword,
			UserAgent:    setup.RedditUserAgent,
		})
		executors[setup.SetupID] = action.NewExecutor(setup, client, store, log)
		sources[setup.SetupID] = client
	}

	b, err := bot.New(cfg.TelegramBotToken, store, cfg, executors, log)
	if err != nil {
		log.Error("create bot", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(store, b, sources, cfg.Setups, cfg.ViewStoreTTL, log)
	b.AttachPoller(sched)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := b.Restore(ctx); err != nil {
		log.Error("restore alerts", "error", err)
		os.Exit(1)
	}

	log.Info("starting bot", "setups", len(cfg.Setups))

	go sched.Run(ctx)

	b.Run(ctx)

	log.Info("bot stopped")
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

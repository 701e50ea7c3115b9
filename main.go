// Package main implements a service that monitors an Avito rental-apartment
// search and notifies Telegram subscribers about new listings matching their
// price and room-count filters.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"avito-notifier/config"
	"avito-notifier/ledger"
	"avito-notifier/notify"
	"avito-notifier/poll"
	"avito-notifier/sched"
	"avito-notifier/scraper"
	"avito-notifier/server"
	"avito-notifier/telegram"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	store, err := ledger.Open(cfg.DBConnection, logger)
	if err != nil {
		logger.Error("Failed to open ledger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close ledger", "error", err)
		}
	}()

	// Mock delivery unless a bot token is provided.
	var provider telegram.Provider
	if cfg.TelegramToken == "" {
		logger.Info("Mock delivery mode enabled (no TELEGRAM_TOKEN)")
		provider = telegram.NewMockProvider(logger)
	} else {
		provider = telegram.NewBotProvider(cfg.TelegramToken, logger)
	}

	src := scraper.New(&http.Client{Timeout: 30 * time.Second}, cfg.FetchSpacing, logger)
	sender := notify.New(provider, cfg.MaxDeliveryRetries, cfg.NotifyWorkers, logger)
	monitor := poll.New(src, store, sender, cfg.SearchURL, logger)
	scheduler := sched.New(monitor, cfg.PollInterval, cfg.EscalateAfter, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Cycles get their own context so an in-flight cycle can drain during
	// the grace period instead of being cut off by the shutdown signal.
	cycleCtx, cancelCycles := context.WithCancel(context.Background())
	defer cancelCycles()

	if err := scheduler.Start(cycleCtx); err != nil {
		logger.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	srv := server.New(store, scheduler, logger).HTTPServer(cfg.Port)
	go func() {
		logger.Info("Starting HTTP server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	grace, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(grace); err != nil {
		logger.Warn("HTTP server shutdown failed", "error", err)
	}
	scheduler.Stop(grace)
	cancelCycles()

	logger.Info("Shutdown complete", "skipped_cycles", scheduler.Skipped())
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/noahxzhu/medication-reminder/internal/config"
	"github.com/noahxzhu/medication-reminder/internal/model"
	"github.com/noahxzhu/medication-reminder/internal/notify"
	"github.com/noahxzhu/medication-reminder/internal/storage"
	"github.com/noahxzhu/medication-reminder/internal/web"
	"github.com/noahxzhu/medication-reminder/internal/worker"
)

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func openBlob(cfg config.StorageConfig, logger *slog.Logger) (storage.Blob, func(), error) {
	if cfg.Driver == "sqlite" {
		b, err := storage.OpenSQLiteBlob(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, func() {
			if err := b.Close(); err != nil {
				logger.Error("Failed to close sqlite store", "error", err)
			}
		}, nil
	}

	b := storage.NewFileBlob(cfg.FilePath)
	if err := b.Load(); err != nil {
		return nil, nil, err
	}
	return b, func() {}, nil
}

func main() {
	configPath := "configs/config.yaml"
	if p := os.Getenv("MEDREMIND_CONFIG"); p != "" {
		configPath = p
	}

	// Load Config
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	// Init Storage
	blob, closeBlob, err := openBlob(cfg.Storage, logger)
	if err != nil {
		slog.Error("Failed to open storage", "error", err)
		os.Exit(1)
	}
	defer closeBlob()

	settings := storage.NewSettingsStore(blob)
	if err := settings.Load(model.Settings{
		PushoverToken: cfg.Pushover.Token,
		PushoverUser:  cfg.Pushover.User,
		Password:      cfg.Auth.Password,
	}); err != nil {
		slog.Error("Failed to load settings", "error", err)
		os.Exit(1)
	}

	store := storage.NewStore(blob)
	if err := store.Load(); err != nil {
		slog.Error("Failed to load medications", "error", err)
		os.Exit(1)
	}

	// Init Scheduler
	inbox := notify.NewInbox()
	sink := notify.NewPushoverSink(settings.Get, cfg.Pushover.APIURL, cfg.Pushover.Sound, logger)
	opts := []worker.Option{worker.WithFallback(inbox)}
	if cfg.Scheduler.Bell {
		opts = append(opts, worker.WithChime(notify.Bell{W: os.Stdout}))
	}
	scheduler := worker.NewScheduler(store, sink, logger, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler.Start(ctx)

	watcher := worker.NewSuspendWatcher(cfg.Scheduler.ResumeCheckInterval, cfg.Scheduler.ResumeDriftThreshold,
		scheduler.Resume, scheduler.RetryPermission, logger)
	go watcher.Run(ctx)

	var reset *worker.DailyReset
	if cfg.Scheduler.ResetTakenDaily {
		reset, err = worker.NewDailyReset(cfg.Scheduler.ResetSpec, store, logger)
		if err != nil {
			slog.Error("Failed to configure daily reset", "error", err)
			os.Exit(1)
		}
		reset.Start()
	}

	// Init Web Server
	srv := web.NewServer(store, settings, scheduler, inbox, cfg.Auth.SessionTTL, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      srv,
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Start HTTP Server
	go func() {
		slog.Info("Starting server", "port", cfg.Server.Port, "url", "http://localhost"+cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// SIGCONT arrives when a stopped process is continued; its timers cannot be trusted
	cont := make(chan os.Signal, 1)
	signal.Notify(cont, syscall.SIGCONT)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-cont:
				scheduler.Resume()
			}
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down...")
	if reset != nil {
		reset.Stop()
	}
	scheduler.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("Server exited")
}

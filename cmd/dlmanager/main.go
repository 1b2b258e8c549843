package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/italolelis/dlmanager/internal/cleanup"
	"github.com/italolelis/dlmanager/internal/config"
	"github.com/italolelis/dlmanager/internal/engine"
	"github.com/italolelis/dlmanager/internal/engine/deluge"
	"github.com/italolelis/dlmanager/internal/engine/httpengine"
	"github.com/italolelis/dlmanager/internal/engine/media"
	"github.com/italolelis/dlmanager/internal/engine/putio"
	"github.com/italolelis/dlmanager/internal/http/rest"
	"github.com/italolelis/dlmanager/internal/logctx"
	"github.com/italolelis/dlmanager/internal/notifier"
	"github.com/italolelis/dlmanager/internal/scheduler"
	"github.com/italolelis/dlmanager/internal/segment"
	"github.com/italolelis/dlmanager/internal/storage"
	"github.com/italolelis/dlmanager/internal/storage/sqlite"
	"github.com/italolelis/dlmanager/internal/telemetry"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("download manager starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = storage.GenerateInstanceID()
	}

	repo := sqlite.NewInstrumentedDownloadRepository(database, instanceID, tel)

	// =========================================================================
	// Start Engines
	rules, err := engine.LoadRules(cfg.Engine.RulesFile)
	if err != nil {
		return fmt.Errorf("failed to load engine rules: %w", err)
	}

	engines, err := buildEngines(ctx, cfg, rules, tel)
	if err != nil {
		return err
	}

	selector := engine.NewSelector(engines,
		engine.WithPreferred(cfg.Engine.Preferred),
		engine.WithTelemetry(tel),
	)

	// =========================================================================
	// Start Notification
	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	events := notifier.NewChannelSink(256)
	defer events.Close()

	dispatcher := notifier.NewDispatcher(notif, events)

	go observeEvents(ctx, events, tel)

	// =========================================================================
	// Start Scheduler and Coordinator
	sched := scheduler.New(selector, repo, dispatcher,
		scheduler.WithTelemetry(tel),
		scheduler.WithConfig(scheduler.Config{
			MaxConcurrentDownloads: cfg.Scheduler.MaxConcurrentDownloads,
			MaxRetryAttempts:       cfg.Scheduler.MaxRetryAttempts,
			RetryBackoffBase:       cfg.Scheduler.RetryBackoffBase,
			PollInterval:           cfg.Scheduler.PollInterval,
			ProbeAlternatives:      cfg.Engine.Probe,
			HistoryLimit:           cfg.Scheduler.HistoryLimit,
		}),
	)

	coordinator := segment.New(selector,
		segment.WithTempDir(cfg.TempDir),
		segment.WithSegmentCount(cfg.Segments.DefaultCount),
		segment.WithMinSize(cfg.Segments.MinSize),
		segment.WithRepository(repo),
		segment.WithSink(dispatcher),
		segment.WithTelemetry(tel),
	)
	coordinator.Detach(ctx)

	restored, err := sched.Restore(ctx)
	if err != nil {
		logger.Error("failed to restore queued downloads", "err", err)
	}

	restoredSegmented, err := coordinator.Restore(ctx)
	if err != nil {
		logger.Error("failed to restore segmented downloads", "err", err)
	}

	logger.Info("restored downloads", "queued", restored, "segmented", restoredSegmented)

	sched.Start(ctx)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, rest.NewDownloadsHandler(sched, coordinator, selector, cfg.TargetDir, cfg.API.Username, cfg.API.Password), tel)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"target_dir", cfg.TargetDir,
		"temp_dir", cfg.TempDir,
		"engines", len(engines),
		"max_concurrent_downloads", cfg.Scheduler.MaxConcurrentDownloads,
	)

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, cfg, coordinator)

	select {
	case err := <-serverErrors:
		sched.Stop()

		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		sched.Stop()

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		// Running downloads are restored on the next start; waiting only
		// avoids cutting off transfers that are about to finish.
		if err := sched.Wait(shutdownCtx); err != nil {
			logger.Warn("downloads still running at shutdown", "active", sched.Active())
		}

		return ctx.Err()
	}
}

// buildEngines creates every configured engine. The HTTP engine is on by
// default; the others need their credentials or an explicit opt-in.
func buildEngines(ctx context.Context, cfg *config.Config, rules *engine.Rules, tel *telemetry.Telemetry) ([]engine.Engine, error) {
	logger := logctx.LoggerFromContext(ctx)

	var engines []engine.Engine

	if cfg.HTTP.Enabled {
		engines = append(engines, httpengine.New(httpengine.Options{
			Timeout:        cfg.HTTP.Timeout,
			MaxBytesPerSec: cfg.HTTP.MaxBytesPerSec,
			Rules:          rules,
		}))
	}

	if cfg.Putio.Token != "" {
		engines = append(engines, putio.New(putio.Options{
			Token:        cfg.Putio.Token,
			PollInterval: cfg.Putio.PollInterval,
			Rules:        rules,
		}))
	}

	if cfg.Deluge.BaseURL != "" {
		d := deluge.New(deluge.Options{
			BaseURL:      cfg.Deluge.BaseURL,
			APIPath:      cfg.Deluge.APIPath,
			Username:     cfg.Deluge.Username,
			Password:     cfg.Deluge.Password,
			Insecure:     cfg.Deluge.Insecure,
			CompletedDir: cfg.Deluge.CompletedDir,
			PollInterval: cfg.Deluge.PollInterval,
			Rules:        rules,
		})

		if err := d.Authenticate(ctx); err != nil {
			return nil, fmt.Errorf("deluge authentication error: %w", err)
		}

		engines = append(engines, d)
	}

	if cfg.Ytdlp.Enabled {
		engines = append(engines, media.New(media.Options{
			Format: cfg.Ytdlp.Format,
			Rules:  rules,
		}))
	}

	if len(engines) == 0 {
		return nil, errors.New("no engine is enabled")
	}

	instrumented := make([]engine.Engine, 0, len(engines))
	for _, e := range engines {
		logger.Info("engine enabled", "engine", e.Name())
		instrumented = append(instrumented, engine.NewInstrumentedEngine(e, tel))
	}

	return instrumented, nil
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, h *rest.DownloadsHandler, tel *telemetry.Telemetry) *http.Server {
	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      rest.NewRouter(h, tel),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

// observeEvents counts queue events off the scheduling path until ctx ends or
// the sink is closed.
func observeEvents(ctx context.Context, events *notifier.ChannelSink, tel *telemetry.Telemetry) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			if dropped := events.Dropped(); dropped > 0 {
				logger.Warn("queue events dropped", "count", dropped)
			}

			return
		case ev, ok := <-events.Events():
			if !ok {
				return
			}

			tel.RecordQueueEvent(ctx, string(ev.Type))
		}
	}
}

func setupCleanup(ctx context.Context, cfg *config.Config, coordinator *segment.Coordinator) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		cleanupTicker := time.NewTicker(cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-cleanupTicker.C:
				if _, err := cleanup.DeleteOrphanedSegments(ctx, coordinator.TempDir(), cfg.KeepTempFor, coordinator.Tracks); err != nil {
					logger.Error("failed to delete orphaned segments", "err", err)
				}
			}
		}
	}()
}

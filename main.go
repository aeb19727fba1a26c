package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatroom/internal/api"
	"chatroom/internal/commands"
	"chatroom/internal/config"
	"chatroom/internal/content"
	"chatroom/internal/engine"
	"chatroom/internal/http"
	"chatroom/internal/logging"
	"chatroom/internal/metrics"
	"chatroom/internal/presence"
	"chatroom/internal/retention"
	"chatroom/internal/storage"
	"chatroom/internal/ws"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("chatroom", flag.ContinueOnError)
	cleanup := flags.String("cleanup", "", `Purge messages older than the given duration on a running server ("ttl" uses RETENTION_TTL)`)
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat))

	if *cleanup != "" {
		return commands.Cleanup(*cleanup, cfg, os.Stdout)
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	tracker := presence.New()
	hub := ws.NewHub(tracker, m, cfg.SendBuffer)

	chatEngine, err := engine.New(ctx, engine.Config{
		Store:        bbStorage,
		Presence:     tracker,
		Channel:      hub,
		Validator:    content.NewValidator(cfg.MaxAttachmentBytes),
		Metrics:      m,
		Retention:    cfg.RetentionTTL,
		HistoryLimit: cfg.HistoryLimit,
	})
	if err != nil {
		return err
	}

	sweeper, err := retention.NewSweeper(retention.Config{
		TTL:      cfg.RetentionTTL,
		Interval: cfg.RetentionInterval,
		Cron:     cfg.RetentionCron,
	}, bbStorage, m)
	if err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	eventLimit := ws.EventLimit(cfg.MaxAttachmentBytes)
	wsServer := ws.NewServer(gCtx, hub, chatEngine, ws.ServerConfig{
		EventRate:     cfg.EventRate,
		EventBurst:    cfg.EventBurst,
		MaxEventBytes: eventLimit,
	})

	apiHandlers := api.New(chatEngine, sweeper, bbStorage)
	apiHandlers.MaxBodyBytes = eventLimit

	adminServer := http.NewAdminServer(api.NewAdminHandler(sweeper), registry, cfg.AdminAddr)
	apiServer := http.NewAPIServer(apiHandlers, wsServer, cfg.APIAddr)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Retention
	g.Go(func() error {
		return sweeper.Run(gCtx)
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
		// Websocket sessions are hijacked and not covered by Shutdown.
		wsServer.Wait()
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Application error", "error", err)
		os.Exit(1)
	}
}

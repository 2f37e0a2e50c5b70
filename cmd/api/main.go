// Package main is the entry point for the remindq API server.
//
// It loads configuration, connects the Redis job store, wires the external
// queue and email provider clients, and serves both the operator-facing
// scheduling API and the callback endpoints the external queue invokes.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"remindq/internal/api"
	"remindq/internal/api/handlers"
	"remindq/internal/config"
	"remindq/internal/external"
	"remindq/internal/scheduler"
	"remindq/internal/store"
	"remindq/internal/types"
	"remindq/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("remindq API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	st := store.New(store.Config{
		Addr:                cfg.Redis.Addr,
		Password:            cfg.Redis.Password,
		DB:                  cfg.Redis.DB,
		Retention:           cfg.Redis.Retention,
		DeadLetterRetention: cfg.Redis.DeadLetterRetention,
	}, logger)
	defer st.Close()

	startupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Ping(startupCtx); err != nil {
		return fmt.Errorf("connecting to job store: %w", err)
	}

	queue := external.NewQStashClient(
		&http.Client{Timeout: 10 * time.Second},
		external.QStashClientConfig{
			Token:   cfg.Queue.Token,
			BaseURL: cfg.Queue.BaseURL,
			Logger:  logger,
		},
	)

	var provider external.EmailProvider
	if cfg.Email.SendGridKey != "" {
		provider = external.NewSendGridClient(
			&http.Client{Timeout: 10 * time.Second},
			external.SendGridClientConfig{
				APIKey: cfg.Email.SendGridKey,
				Logger: logger,
			},
		)
	} else {
		logger.Warn("no email provider key configured, using stub provider")
		provider = external.NewStubEmailProvider(logger)
	}

	sched := scheduler.New(st, queue, scheduler.Config{
		GraceWindow:        cfg.Schedule.GraceWindow,
		DeliveryURL:        cfg.Server.PublicURL + "/v1/callbacks/delivery",
		FailureURL:         cfg.Server.PublicURL + "/v1/callbacks/failure",
		Retries:            cfg.Queue.Retries,
		FlowControlKey:     cfg.Queue.FlowControlKey,
		Parallelism:        cfg.Queue.Parallelism,
		PublishConcurrency: cfg.Queue.PublishConcurrency,
	}, logger)
	ctrl := scheduler.NewControl(st, queue, sched, logger)

	wrk := worker.NewHandler(st, provider, types.EmailAddress{
		Address: cfg.Email.FromAddress,
		Name:    cfg.Email.FromName,
	}, logger)

	router := api.NewRouter(api.Deps{
		Notifications: handlers.NewNotifications(sched, ctrl, st, logger),
		Callbacks:     handlers.NewCallbacks(wrk, logger),
		Store:         st,
		Logger:        logger,
		CORSOrigins:   cfg.Server.CORSOrigins,
	})

	return runHTTPServer(router, cfg, logger)
}

// runHTTPServer starts the server with graceful shutdown.
func runHTTPServer(handler http.Handler, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

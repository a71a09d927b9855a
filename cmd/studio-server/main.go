// main package for the studio-server
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/apiclient"
	"github.com/book-expert/tts-studio/internal/catalog"
	"github.com/book-expert/tts-studio/internal/config"
	"github.com/book-expert/tts-studio/internal/jobs"
	"github.com/book-expert/tts-studio/internal/notify"
	"github.com/book-expert/tts-studio/internal/scheduler"
	"github.com/book-expert/tts-studio/internal/server"
	"github.com/book-expert/tts-studio/internal/studio"
	"github.com/book-expert/tts-studio/internal/validation"
	"github.com/nats-io/nats.go"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 15 * time.Second
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), "studio-server-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer bootstrapLog.Close()

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, "studio-server.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}
	defer finalLog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Connect to NATS when configured
	var natsConnection *nats.Conn

	if cfg.NATS.URL != "" {
		natsConnection, err = nats.Connect(cfg.NATS.URL)
		if err != nil {
			finalLog.Error("Failed to connect to NATS at %s: %v", cfg.NATS.URL, err)

			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsConnection.Close()
	}

	// 5. Wire the job lifecycle
	api := apiclient.NewHTTPClient(cfg.API.BaseURL, cfg.API.Token, cfg.APITimeout())
	gate := validation.NewGate(validation.Options{
		MaxBytes:    cfg.Audio.MaxUploadBytes,
		MinDuration: cfg.MinDuration(),
	})

	opts := jobs.Options{
		PollInterval: cfg.PollInterval(),
		TickInterval: cfg.TickInterval(),
	}

	if natsConnection != nil {
		opts.OnChange = notify.NewPublisher(natsConnection, cfg.NATS.JobStateSubject, finalLog).OnChange
	}

	controller := jobs.NewController(api, scheduler.NewTickerScheduler(), finalLog, opts)
	defer controller.Close()

	listenerDone := make(chan error, 1)

	if natsConnection != nil {
		listener := notify.NewListener(natsConnection, cfg.NATS.CommandSubject, controller, finalLog)

		go func() {
			listenerDone <- listener.Run(ctx)
		}()
	} else {
		listenerDone <- nil
	}

	// 6. Serve HTTP until a shutdown signal arrives
	voices := catalog.NewLoader(api, cfg.CatalogTTL(), time.Now, finalLog)
	app := server.New(
		controller,
		studio.New(api, controller, gate, finalLog),
		gate,
		voices,
		finalLog,
		cfg.Audio.MaxUploadBytes,
	)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           app.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	serveErr := make(chan error, 1)

	go func() {
		listenErr := httpServer.ListenAndServe()
		if listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			serveErr <- listenErr
		}

		close(serveErr)
	}()

	finalLog.System("Studio server listening on %s (backend %s)", cfg.Server.Addr, cfg.API.BaseURL)

	select {
	case <-ctx.Done():
		finalLog.Info("Shutdown signal received")
	case err = <-serveErr:
		if err != nil {
			finalLog.Error("HTTP server failed: %v", err)
			stop()

			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err = httpServer.Shutdown(shutdownCtx)
	if err != nil {
		finalLog.Error("Graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	err = <-listenerDone
	if err != nil {
		finalLog.Warn("Command listener stopped with error: %v", err)
	}

	finalLog.System("Studio server stopped")

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}

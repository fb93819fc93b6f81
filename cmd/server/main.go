package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coursesync/server/internal/app"
	"github.com/coursesync/server/internal/config"
	"github.com/coursesync/server/internal/observability"
)

const (
	serviceName    = "coursesync-server"
	serviceVersion = "1.0.0"
)

func main() {
	logger := observability.NewLogger(serviceName, observability.ParseLogLevel(os.Getenv("LOG_LEVEL")))
	observability.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.Initialize(ctx, observability.NewConfig(serviceName, serviceVersion, cfg.SessionID))
	if err != nil {
		logger.WithError(err).Warn("Telemetry unavailable")
		telemetry = nil
	}

	var httpMetrics *observability.HTTPMetrics
	if telemetry.Enabled() {
		if httpMetrics, err = observability.NewHTTPMetrics(); err != nil {
			logger.WithError(err).Warn("HTTP metrics unavailable")
			httpMetrics = nil
		}
	}

	a, err := app.Build(cfg, logger, telemetry.Enabled())
	if err != nil {
		logger.WithError(err).Error("Failed to initialize sync engine")
		os.Exit(1)
	}

	// A session cut short by the previous shutdown is reported as failed
	if err := a.Recover(ctx); err != nil {
		logger.WithError(err).Error("Failed to recover interrupted sync")
		a.Close()
		os.Exit(1)
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	a.RunBackground(bgCtx)

	srv := &http.Server{
		Addr:        cfg.ServerAddress,
		Handler:     a.NewRouter(serviceName, httpMetrics),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: the progress WebSocket stays open
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.WithFields(map[string]interface{}{
			"address":      cfg.ServerAddress,
			"session_id":   cfg.SessionID,
			"offline_path": cfg.OfflineStorage.BasePath,
		}).Info("Course sync server starting")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Server forced to shutdown")
	}

	stopBackground()
	if err := a.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close database")
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to flush telemetry")
	}

	logger.Info("Server stopped")
}

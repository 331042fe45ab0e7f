// Package main runs the runfleet coordinator: the run queue, session store,
// runner dispatch, and SSE fan-out behind one HTTP server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/runfleet/runfleet/internal/common/config"
	"github.com/runfleet/runfleet/internal/common/logger"
	"github.com/runfleet/runfleet/internal/coordinator"
	"github.com/runfleet/runfleet/internal/coordinator/api"
	"github.com/runfleet/runfleet/internal/db"
	"github.com/runfleet/runfleet/internal/events"
	"github.com/runfleet/runfleet/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting runfleet coordinator...")

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	pool, err := db.OpenPool(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open database", zap.String("path", cfg.Database.Path), zap.Error(err))
	}
	defer pool.Close()
	log.Info("Database ready", zap.String("path", cfg.Database.Path))

	coord, err := coordinator.New(cfg, pool, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize coordinator", zap.Error(err))
	}
	coord.StartSweeper()
	defer coord.StopSweeper()

	authn := api.NewAuthenticator(cfg.Auth.Disabled, cfg.Auth.AdminAPIKey,
		cfg.Auth.OIDCIssuer, cfg.Auth.OIDCAudience)
	if cfg.Auth.Disabled {
		log.Warn("Authentication is DISABLED")
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(coord, authn, cfg.Server.PollTimeoutDuration(), log)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// No write timeout: SSE streams and long polls are open-ended.
		WriteTimeout: 0,
	}

	go func() {
		log.Info("Coordinator listening",
			zap.String("addr", server.Addr),
			zap.Int("poll_timeout_sec", cfg.Server.PollTimeout))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down coordinator...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Coordinator stopped")
}

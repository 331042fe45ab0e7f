// Package main runs a runfleet runner: it registers with the coordinator,
// polls for runs, and supervises executor subprocesses.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/runfleet/runfleet/internal/common/config"
	"github.com/runfleet/runfleet/internal/common/logger"
	"github.com/runfleet/runfleet/internal/runner"
	"github.com/runfleet/runfleet/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.Runner.ExecutorCommand == "" {
		fmt.Fprintln(os.Stderr, "runner.executorCommand is required (RUNFLEET_EXECUTOR_COMMAND)")
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

	log.Info("Starting runfleet runner...",
		zap.String("coordinator", cfg.Runner.CoordinatorURL),
		zap.String("executor_type", cfg.Runner.ExecutorType),
		zap.Strings("tags", cfg.Runner.Tags))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = runner.New(cfg, log).Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if terr := tracing.Shutdown(shutdownCtx); terr != nil {
		log.Error("Tracing shutdown error", zap.Error(terr))
	}

	// Exit zero only on clean deregistration or operator signal.
	if err != nil {
		log.Error("Runner exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Runner stopped")
}

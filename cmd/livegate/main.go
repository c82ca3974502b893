package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/livegate/livegate/internal/app"
	"github.com/livegate/livegate/internal/config"
	"github.com/livegate/livegate/internal/logging"
)

func main() {
	cfg := config.LoadConfig()

	if err := logging.Initialize(cfg.Logging); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Shutdown()

	a, err := app.New(cfg, slog.Default())
	if err != nil {
		slog.Error("Failed to build application", "error", err)
		os.Exit(1)
	}

	initCtx, initCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer initCancel()
	if err := a.Init(initCtx); err != nil {
		slog.Error("Failed to initialize application", "error", err)
		os.Exit(1)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	errCh := make(chan error, 1)
	a.Start(bgCtx, errCh)
	slog.Info("livegate started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		slog.Info("Shutting down")
	case err := <-errCh:
		slog.Error("Server failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	bgCancel()
	a.Shutdown(shutdownCtx)
	slog.Info("All services stopped")
}

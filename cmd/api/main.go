package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-batch-dialer/internal/api"
	"github.com/acme/outbound-batch-dialer/internal/api/handlers"
	"github.com/acme/outbound-batch-dialer/internal/app"
	"github.com/acme/outbound-batch-dialer/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	drainTimeout := flag.Duration("drain-timeout", 30*time.Second, "how long shutdown waits for in-progress dispatches")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())
	lg := container.Logger.Named("api")

	shutdownTracing, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-api")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	if err := container.StartWorkers(ctx); err != nil {
		log.Fatalf("failed to start workers: %v", err)
	}

	handlerSet := handlers.NewHandlerSet(container.HandlerDeps())
	server := api.NewServer(container.Config.HTTP, handlerSet)

	lg.Info("api: listening", zap.Int("port", container.Config.HTTP.Port))
	if err := server.Start(ctx); err != nil {
		lg.Error("api: server terminated", zap.Error(err))
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), *drainTimeout)
	defer drainCancel()
	if err := container.Shutdown(drainCtx); err != nil {
		lg.Error("api: shutdown", zap.Error(err))
	}
	lg.Info("api: stopped")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-batch-dialer/internal/app"
	"github.com/acme/outbound-batch-dialer/internal/scheduler"
	"github.com/acme/outbound-batch-dialer/internal/telemetry"
	"github.com/acme/outbound-batch-dialer/pkg/logger"
)

// The headless runner starts the given campaigns without the HTTP surface and exits
// once every one of them has finished. SIGTERM pauses them instead.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	campaignList := flag.String("campaigns", getEnv("CAMPAIGN_IDS", ""), "comma-separated campaign ids to run")
	pollEvery := flag.Duration("poll", 2*time.Second, "status poll interval")
	drainTimeout := flag.Duration("drain-timeout", 30*time.Second, "how long shutdown waits for in-progress dispatches")
	flag.Parse()

	ids := parseIDs(*campaignList, flag.Args())
	if len(ids) == 0 {
		log.Fatalf("no campaign ids given")
	}

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())
	lg := container.Logger.Named("runner")

	shutdownTracing, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-scheduler")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	if err := container.StartWorkers(ctx); err != nil {
		log.Fatalf("failed to start workers: %v", err)
	}

	started := startAll(ctx, container.Registry, ids, lg)
	if len(started) > 0 {
		waitFinished(ctx, container.Registry, started, *pollEvery, lg)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), *drainTimeout)
	defer drainCancel()
	if err := container.Shutdown(drainCtx); err != nil {
		lg.Error("runner: shutdown", zap.Error(err))
	}
}

func startAll(ctx context.Context, registry *scheduler.Registry, ids []string, lg *logger.Logger) []string {
	started := make([]string, 0, len(ids))
	for _, id := range ids {
		res, err := registry.Start(ctx, id)
		if err != nil {
			lg.Error("runner: start failed", zap.String("campaign_id", id), zap.Error(err))
			continue
		}
		lg.Info("runner: start", zap.String("campaign_id", id), zap.String("outcome", string(res.Outcome)))
		switch res.Outcome {
		case scheduler.OutcomeStarted, scheduler.OutcomeAlreadyRunning, scheduler.OutcomeResumed:
			started = append(started, id)
		}
	}
	return started
}

func waitFinished(ctx context.Context, registry *scheduler.Registry, ids []string, every time.Duration, lg *logger.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	pending := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		pending[id] = struct{}{}
	}
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			lg.Info("runner: interrupted", zap.Int("unfinished", len(pending)))
			return
		case <-ticker.C:
		}
		for id := range pending {
			snap, ok := registry.Status(id)
			if ok && !snap.Status.Terminal() {
				continue
			}
			delete(pending, id)
			lg.Info("runner: campaign finished",
				zap.String("campaign_id", id),
				zap.String("status", string(snap.Status)),
				zap.Int64("processed", snap.Processed),
				zap.Int64("successful", snap.Successful),
				zap.Int64("failed", snap.Failed),
			)
		}
	}
}

func parseIDs(list string, args []string) []string {
	seen := map[string]bool{}
	var ids []string
	for _, raw := range append(strings.Split(list, ","), args...) {
		id := strings.TrimSpace(raw)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

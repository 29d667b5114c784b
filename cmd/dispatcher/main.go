// cmd/dispatcher runs the Task Dispatcher worker pool plus the
// Allocator's periodic busy-marker crash-recovery reconciler. It opens
// the durable store only to migrate it and to let the reconciler look up
// terminal status; evaluation outcomes flow out through lifecycle events.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/evalforge/corepipeline/internal/allocator"
	"github.com/evalforge/corepipeline/internal/bootstrap"
	"github.com/evalforge/corepipeline/internal/config"
	"github.com/evalforge/corepipeline/internal/coordstore"
	"github.com/evalforge/corepipeline/internal/dispatcher"
	"github.com/evalforge/corepipeline/internal/eventbus"
	"github.com/evalforge/corepipeline/internal/orchestratorclient"
	"github.com/evalforge/corepipeline/internal/platform/shutdown"
	"github.com/evalforge/corepipeline/internal/store"
)

func main() {
	infra, err := bootstrap.New("dispatcher", true)
	if err != nil {
		fmt.Printf("failed to initialize dispatcher: %v\n", err)
		os.Exit(1)
	}
	defer infra.Log.Sync()

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	allocStore := coordstore.NewRedisAllocatorStore(infra.Redis)
	if err := allocStore.InitPool(ctx, poolURLs()); err != nil {
		infra.Log.Error("sandbox pool init failed", "error", err)
		os.Exit(1)
	}
	alloc := allocator.New(allocStore, infra.Limits.BusyMarkerTTL, infra.Log)

	durableStore := store.New(infra.DB, infra.Limits, infra.Log)
	if err := durableStore.Migrate(); err != nil {
		infra.Log.Error("durable store migrate failed", "error", err)
		os.Exit(1)
	}

	bus := eventbus.NewRedisBus(infra.Redis, infra.Log)
	taskStream := coordstore.NewRedisTaskStream(infra.Redis, infra.Log)
	dlq := coordstore.NewRedisDLQ(infra.Redis)
	orch := orchestratorclient.New(
		config.GetEnv("ORCHESTRATOR_BASE_URL", "http://localhost:8090", infra.Log),
		30*time.Second,
		infra.Log,
	)

	d := dispatcher.New(taskStream, bus, alloc, orch, dlq, infra.Limits, workerCount(infra.Log), infra.Log)
	d.Start(ctx)

	recon := allocator.NewReconciler(allocStore, alloc, durableStore, infra.Log)
	go runReconcilerLoop(ctx, recon, infra.Log)

	<-ctx.Done()
	infra.Log.Info("dispatcher shutting down")
}

func runReconcilerLoop(ctx context.Context, recon *allocator.Reconciler, log interface {
	Warn(string, ...interface{})
}) {
	interval := 60 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := recon.Run(ctx); err != nil {
				log.Warn("allocator reconciler pass failed", "error", err)
			}
		}
	}
}

func poolURLs() []string {
	raw := strings.TrimSpace(os.Getenv("SANDBOX_POOL_URLS"))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			urls = append(urls, p)
		}
	}
	return urls
}

func workerCount(log interface {
	Warn(string, ...interface{})
}) int {
	raw := strings.TrimSpace(os.Getenv("DISPATCHER_WORKERS"))
	if raw == "" {
		return 4
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		log.Warn("invalid DISPATCHER_WORKERS, using default", "value", raw)
		return 4
	}
	return n
}

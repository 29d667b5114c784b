// cmd/monitor runs the Job Lifecycle Monitor: the
// long-lived watch over the orchestrator's Kubernetes Job events, plus
// the periodic orphan-job reconciler that deletes jobs whose evaluation
// has already gone terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/evalforge/corepipeline/internal/bootstrap"
	"github.com/evalforge/corepipeline/internal/config"
	"github.com/evalforge/corepipeline/internal/eventbus"
	"github.com/evalforge/corepipeline/internal/monitor"
	"github.com/evalforge/corepipeline/internal/orchestratorclient"
	"github.com/evalforge/corepipeline/internal/platform/shutdown"
	"github.com/evalforge/corepipeline/internal/store"
)

func main() {
	infra, err := bootstrap.New("monitor", true)
	if err != nil {
		fmt.Printf("failed to initialize monitor: %v\n", err)
		os.Exit(1)
	}
	defer infra.Log.Sync()

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	clientset, err := buildKubeClient()
	if err != nil {
		infra.Log.Error("kube client init failed", "error", err)
		os.Exit(1)
	}

	durableStore := store.New(infra.DB, infra.Limits, infra.Log)
	if err := durableStore.Migrate(); err != nil {
		infra.Log.Error("durable store migrate failed", "error", err)
		os.Exit(1)
	}

	logsClient := orchestratorclient.New(
		config.GetEnv("ORCHESTRATOR_BASE_URL", "http://localhost:8090", infra.Log),
		30*time.Second,
		infra.Log,
	)
	jobSource := monitor.NewK8sJobSource(clientset, logsClient)
	bus := eventbus.NewRedisBus(infra.Redis, infra.Log)

	m := monitor.New(jobSource, bus, durableStore, infra.Limits, infra.Log)
	orphan := monitor.NewOrphanReconciler(jobSource, durableStore, infra.Log)

	go runOrphanLoop(ctx, orphan, infra.Log)

	if err := m.Run(ctx); err != nil && ctx.Err() == nil {
		infra.Log.Error("monitor loop exited", "error", err)
		os.Exit(1)
	}
	infra.Log.Info("monitor shutting down")
}

func runOrphanLoop(ctx context.Context, orphan *monitor.OrphanReconciler, log interface {
	Warn(string, ...interface{})
}) {
	interval := 5 * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := orphan.Run(ctx); err != nil {
				log.Warn("orphan job reconciler pass failed", "error", err)
			}
		}
	}
}

// buildKubeClient prefers KUBECONFIG (or ~/.kube/config) for local/dev
// runs and falls back to in-cluster config, matching how every other
// client-go-based controller in this corpus bootstraps its clientset.
func buildKubeClient() (kubernetes.Interface, error) {
	if kubeconfig := strings.TrimSpace(os.Getenv("KUBECONFIG")); kubeconfig != "" {
		cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("monitor: load kubeconfig %s: %w", kubeconfig, err)
		}
		return kubernetes.NewForConfig(cfg)
	}

	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("monitor: in-cluster config: %w", err)
	}
	return kubernetes.NewForConfig(cfg)
}

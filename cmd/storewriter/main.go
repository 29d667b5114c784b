// cmd/storewriter runs the Durable Store Writer: the
// sole subscriber that applies lifecycle events to the evaluations table
// under the state machine in internal/evaltypes.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/evalforge/corepipeline/internal/bootstrap"
	"github.com/evalforge/corepipeline/internal/eventbus"
	"github.com/evalforge/corepipeline/internal/platform/shutdown"
	"github.com/evalforge/corepipeline/internal/store"
)

func main() {
	infra, err := bootstrap.New("storewriter", true)
	if err != nil {
		fmt.Printf("failed to initialize store writer: %v\n", err)
		os.Exit(1)
	}
	defer infra.Log.Sync()

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	s := store.New(infra.DB, infra.Limits, infra.Log)
	if err := s.Migrate(); err != nil {
		infra.Log.Error("durable store migrate failed", "error", err)
		os.Exit(1)
	}

	bus := eventbus.NewRedisBus(infra.Redis, infra.Log)
	if err := s.Run(ctx, bus); err != nil && ctx.Err() == nil {
		infra.Log.Error("store writer subscription failed", "error", err)
		os.Exit(1)
	}
	infra.Log.Info("store writer shutting down")
}

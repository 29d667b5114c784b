// cmd/gateway is the process that owns evaluation identity creation: it
// exposes the Submission Gateway contract
// as a one-shot CLI, for operators and the (out-of-scope) HTTP surface
// alike to submit work without reimplementing id assignment, input
// validation, or task-stream fan-out. Modeled on
// yungbote-neurobridge-backend's cmd/backfill_file_signatures one-off
// script shape: flag-parsed, a single bootstrap, then one focused
// action.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/evalforge/corepipeline/internal/bootstrap"
	"github.com/evalforge/corepipeline/internal/eventbus"
	"github.com/evalforge/corepipeline/internal/evaltypes"
	"github.com/evalforge/corepipeline/internal/gateway"
	"github.com/evalforge/corepipeline/internal/coordstore"
	"github.com/evalforge/corepipeline/internal/store"
)

func main() {
	var (
		source   string
		runtime  string
		deadline int
		priority string
	)
	flag.StringVar(&source, "source", "", "source text to evaluate (required)")
	flag.StringVar(&runtime, "runtime", "py", "target runtime tag")
	flag.IntVar(&deadline, "deadline", 30, "requested execution deadline in seconds")
	flag.StringVar(&priority, "priority", "normal", "priority class: normal|high")
	flag.Parse()

	if source == "" {
		fmt.Println("error: -source is required")
		os.Exit(2)
	}

	infra, err := bootstrap.New("gateway", true)
	if err != nil {
		fmt.Printf("failed to initialize gateway: %v\n", err)
		os.Exit(1)
	}
	defer infra.Log.Sync()

	s := store.New(infra.DB, infra.Limits, infra.Log)
	if err := s.Migrate(); err != nil {
		fmt.Printf("durable store migrate failed: %v\n", err)
		os.Exit(1)
	}

	bus := eventbus.NewRedisBus(infra.Redis, infra.Log)
	stream := coordstore.NewRedisTaskStream(infra.Redis, infra.Log)
	g := gateway.New(stream, bus, infra.Limits, infra.Log)

	ctx := context.Background()
	evalID, err := g.Submit(ctx, gateway.SubmissionRequest{
		Source:   source,
		Runtime:  runtime,
		Deadline: deadline,
		Priority: priority,
	})
	if err != nil {
		fmt.Printf("submit rejected: %v\n", err)
		os.Exit(1)
	}

	// The Gateway owns the id space: write the initial durable row
	// directly rather than depend solely on the best-effort `queued`
	// event reaching the Writer.
	if err := s.CreateQueued(ctx, evaltypes.Evaluation{
		ID:       evalID,
		Source:   source,
		Runtime:  runtime,
		TimeoutS: deadline,
		Priority: evaltypes.Priority(priority),
	}); err != nil {
		infra.Log.Warn("create queued row failed (event path may still land it)", "eval_id", evalID, "error", err)
	}

	out, _ := json.Marshal(map[string]string{"eval_id": evalID})
	fmt.Println(string(out))
}

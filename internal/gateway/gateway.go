// Package gateway implements the Submission Gateway: the
// entry point that assigns evaluation identities, validates inputs
// against the platform limits, publishes the initial `queued` lifecycle
// event, and hands the task envelope to the dispatcher's task stream.
//
// The HTTP/REST surface in front of this package is explicitly out of
// scope — this is the library contract an HTTP handler (or
// a CLI, or a gRPC service, built elsewhere) would call into. The
// validation approach follows yungbote-neurobridge-backend's use of
// go-playground/validator (internal/modules/learning/validation)
// applied to a submission struct instead of free-form arguments.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/evalforge/corepipeline/internal/config"
	"github.com/evalforge/corepipeline/internal/coordstore"
	"github.com/evalforge/corepipeline/internal/errclass"
	"github.com/evalforge/corepipeline/internal/evalid"
	"github.com/evalforge/corepipeline/internal/evaltypes"
	"github.com/evalforge/corepipeline/internal/eventbus"
	"github.com/evalforge/corepipeline/internal/logger"
	"github.com/evalforge/corepipeline/internal/tracing"
)

// SubmissionRequest is the validated shape of a single submit() call.
// Validation failures surface as a structured ValidationError instead of
// one opaque "invalid input" string, so a caller (CLI or HTTP layer) can
// report field-level problems.
type SubmissionRequest struct {
	Source   string `validate:"required"`
	Runtime  string `validate:"required"`
	Deadline int    `validate:"required,min=1"`
	Priority string `validate:"required,oneof=normal high"`
}

// ValidationError reports every field that failed validation, not just
// the first.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("gateway: validation failed on %d field(s)", len(e.Fields))
}

// Gateway is the component-A contract.
type Gateway struct {
	stream coordstore.TaskStream
	bus    eventbus.Bus
	limits config.Limits
	log    *logger.Logger
	valid  *validator.Validate
}

func New(stream coordstore.TaskStream, bus eventbus.Bus, limits config.Limits, log *logger.Logger) *Gateway {
	return &Gateway{
		stream: stream,
		bus:    bus,
		limits: limits,
		log:    log.With("component", "Gateway"),
		valid:  validator.New(),
	}
}

// Submit validates req, assigns an id, publishes the `queued` event
// (non-fatal on failure), and enqueues the task (fatal on failure).
func (g *Gateway) Submit(ctx context.Context, req SubmissionRequest) (string, error) {
	if err := g.validate(req); err != nil {
		return "", err
	}

	evalID := evalid.New()
	ctx, span := tracing.StartEvalSpan(ctx, "gateway", "submit", evalID)
	defer span.End()

	ev := evaltypes.LifecycleEvent{
		EvalID:    evalID,
		Kind:      evaltypes.EventQueued,
		Sequence:  evaltypes.SeqQueued,
		Timestamp: time.Now().Unix(),
	}
	if err := g.bus.Publish(ctx, ev); err != nil {
		g.log.Warn("queued event publish failed, continuing (non-fatal)", "eval_id", evalID, "error", err)
	}

	task := evaltypes.Task{
		EvalID:   evalID,
		Source:   req.Source,
		Runtime:  req.Runtime,
		TimeoutS: req.Deadline,
		Priority: evaltypes.Priority(req.Priority),
	}
	if err := g.stream.Enqueue(ctx, task); err != nil {
		g.log.Error("task enqueue failed, rejecting submission", "eval_id", evalID, "error", err)
		return "", errclass.New(errclass.Transient, "service_unavailable", err)
	}

	g.log.Info("evaluation submitted", "eval_id", evalID, "runtime", req.Runtime, "priority", req.Priority)
	return evalID, nil
}

// BatchResult is one item's outcome within SubmitBatch. Submissions in a
// batch are independent: one item's failure never aborts the rest
// (submissions in a batch never share transactional semantics).
type BatchResult struct {
	EvalID string
	Err    error
}

// SubmitBatch processes items sequentially (batches of more than ten items
// get a small inter-item delay, see interItemDelay) under a per-batch
// ceiling, shaping fan-out into the dispatcher rather
// than bursting the whole batch onto the task stream at once.
func (g *Gateway) SubmitBatch(ctx context.Context, items []SubmissionRequest) ([]BatchResult, error) {
	ceiling := g.limits.BatchSubmitCeiling
	if ceiling <= 0 {
		ceiling = 100
	}
	if len(items) > ceiling {
		return nil, fmt.Errorf("gateway: batch of %d exceeds ceiling of %d", len(items), ceiling)
	}

	results := make([]BatchResult, 0, len(items))
	delay := interItemDelay(len(items))
	for i, item := range items {
		id, err := g.Submit(ctx, item)
		results = append(results, BatchResult{EvalID: id, Err: err})
		if i < len(items)-1 && delay > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return results, nil
}

// interItemDelay shapes a larger batch into a gentler trickle; small
// batches go through with no artificial pacing at all.
func interItemDelay(n int) time.Duration {
	if n <= 10 {
		return 0
	}
	return 10 * time.Millisecond
}

// validate runs the struct-tag checks (required/oneof/min) via
// go-playground/validator first, then the limit checks that depend on
// runtime configuration and so can't be expressed as static tags.
func (g *Gateway) validate(req SubmissionRequest) error {
	fields := make(map[string]string)

	if err := g.valid.Struct(req); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
		} else {
			fields["_"] = err.Error()
		}
	}

	if _, bad := fields["Source"]; !bad && len(req.Source) > g.limits.MaxSourceBytes {
		fields["Source"] = fmt.Sprintf("exceeds max_source_bytes (%d)", g.limits.MaxSourceBytes)
	}
	if _, bad := fields["Deadline"]; !bad && req.Deadline > g.limits.MaxTimeoutSeconds {
		fields["Deadline"] = fmt.Sprintf("exceeds max_timeout_seconds (%d)", g.limits.MaxTimeoutSeconds)
	}
	if _, bad := fields["Runtime"]; !bad && !runtimeRegistered(req.Runtime, g.limits.RegisteredRuntimes) {
		fields["Runtime"] = fmt.Sprintf("not in registered runtimes %v", g.limits.RegisteredRuntimes)
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func runtimeRegistered(runtime string, registered []string) bool {
	for _, r := range registered {
		if r == runtime {
			return true
		}
	}
	return false
}

// Package dispatcher implements the Task Dispatcher: a pool of workers
// consuming the task stream and running, per task, a two-phase
// assign-then-execute chain against the Sandbox Pool Allocator and the
// orchestrator. The worker-pool shape (Start spawns N goroutines, each
// running an independent claim loop with panic recovery) is adapted from
// yungbote-neurobridge-backend's internal/jobs/worker package; the
// retry/back-off policy and dead-letter handoff are new, built against
// this package's own error taxonomy.
package dispatcher

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"time"

	"github.com/evalforge/corepipeline/internal/allocator"
	"github.com/evalforge/corepipeline/internal/config"
	"github.com/evalforge/corepipeline/internal/coordstore"
	"github.com/evalforge/corepipeline/internal/errclass"
	"github.com/evalforge/corepipeline/internal/evaltypes"
	"github.com/evalforge/corepipeline/internal/eventbus"
	"github.com/evalforge/corepipeline/internal/logger"
	"github.com/evalforge/corepipeline/internal/orchestratorclient"
	"github.com/evalforge/corepipeline/internal/tracing"
)

const phase1BaseBackoff = 5 * time.Second

// Dispatcher is the component-B contract: a worker pool, started once
// and run for the process lifetime.
type Dispatcher struct {
	stream  coordstore.TaskStream
	bus     eventbus.Bus
	alloc   allocator.Allocator
	orch    orchestratorclient.Client
	dlq     coordstore.DeadLetterStore
	limits  config.Limits
	log     *logger.Logger
	workers int
}

func New(stream coordstore.TaskStream, bus eventbus.Bus, alloc allocator.Allocator, orch orchestratorclient.Client, dlq coordstore.DeadLetterStore, limits config.Limits, workers int, log *logger.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		stream:  stream,
		bus:     bus,
		alloc:   alloc,
		orch:    orch,
		dlq:     dlq,
		limits:  limits,
		log:     log.With("component", "Dispatcher"),
		workers: workers,
	}
}

// Start launches the worker pool. Each worker runs until ctx is
// cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.log.Info("starting dispatcher worker pool", "workers", d.workers)
	for i := 0; i < d.workers; i++ {
		id := i + 1
		go d.runLoop(ctx, id)
	}
}

func (d *Dispatcher) runLoop(ctx context.Context, workerID int) {
	consumerName := consumerNameFor(workerID)
	staleAfter := 2 * time.Minute

	for {
		select {
		case <-ctx.Done():
			d.log.Info("worker stopped", "worker_id", workerID)
			return
		default:
		}

		task, handle, ok, err := d.stream.Dequeue(ctx, consumerName, staleAfter)
		if err != nil {
			d.log.Warn("dequeue failed", "worker_id", workerID, "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if !ok {
			sleep(ctx, 200*time.Millisecond)
			continue
		}

		d.handleTask(ctx, workerID, task, handle)
	}
}

func consumerNameFor(workerID int) string {
	return "dispatcher-" + strconv.Itoa(workerID)
}

// handleTask runs the two-phase chain for one delivered task, recovering
// from a handler panic the same way yungbote-neurobridge-backend's job
// worker does: log it, leave the task unacked so it is redelivered
// rather than lost.
func (d *Dispatcher) handleTask(ctx context.Context, workerID int, task evaltypes.Task, handle coordstore.AckHandle) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatcher worker panic", "worker_id", workerID, "eval_id", task.EvalID, "panic", r)
		}
	}()

	ctx, span := tracing.StartEvalSpan(ctx, "dispatcher", "handle_task", task.EvalID)
	defer span.End()

	url, ok := d.phase1Assign(ctx, task)
	if !ok {
		// context was cancelled mid-wait; leave unacked for redelivery.
		return
	}

	d.publishProvisioning(ctx, task.EvalID, url)

	outcome := d.phase2Execute(ctx, task, url, 0)
	switch outcome {
	case outcomeSucceeded, outcomeDeadLettered:
		if err := d.stream.Ack(ctx, handle); err != nil {
			d.log.Warn("ack failed", "eval_id", task.EvalID, "error", err)
		}
	case outcomeRedeliver:
		// leave unacked; stale reclaim or crash-restart will pick it up
	}
}

// phase1Assign blocks, retrying indefinitely with jittered back-off,
// until a sandbox is claimed or ctx is cancelled: this phase is
// lightweight and intentionally tolerates unbounded retry.
func (d *Dispatcher) phase1Assign(ctx context.Context, task evaltypes.Task) (string, bool) {
	for attempt := 0; ; attempt++ {
		url, ok, err := d.alloc.Claim(ctx, task.EvalID)
		if err != nil {
			d.log.Warn("allocator claim error", "eval_id", task.EvalID, "error", err)
		} else if ok {
			return url, true
		}

		if !sleep(ctx, jitteredBackoff(phase1BaseBackoff, attempt, 30*time.Second)) {
			return "", false
		}
	}
}

func (d *Dispatcher) publishProvisioning(ctx context.Context, evalID, sandbox string) {
	ev := evaltypes.LifecycleEvent{
		EvalID:    evalID,
		Kind:      evaltypes.EventProvisioning,
		Sequence:  evaltypes.SeqProvisioning,
		Timestamp: time.Now().Unix(),
		Payload:   map[string]any{"sandbox": sandbox},
	}
	if err := d.bus.Publish(ctx, ev); err != nil {
		d.log.Warn("provisioning event publish failed (advisory only)", "eval_id", evalID, "error", err)
	}
}

type phase2Outcome int

const (
	outcomeSucceeded phase2Outcome = iota
	outcomeDeadLettered
	outcomeRedeliver
)

// phase2Execute submits the task to the orchestrator and branches on the
// response's error-class taxonomy. It owns the sandbox until one of:
// successful submit (ownership of the sandbox's eventual release passes
// to the allocator's terminal-state reconciler), or a failure branch that
// releases it directly.
func (d *Dispatcher) phase2Execute(ctx context.Context, task evaltypes.Task, sandbox string, quotaAttempt int) phase2Outcome {
	maxAttempts := d.limits.MaxRetryAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		jobName, err := d.orch.Execute(ctx, orchestratorclient.ExecuteRequest{
			EvalID:    task.EvalID,
			Code:      task.Source,
			Language:  task.Runtime,
			TimeoutS:  task.TimeoutS,
			MemoryMB:  d.limits.MaxMemoryMB,
			CPUMillis: d.limits.MaxCPUMillicores,
		})
		if err == nil {
			d.log.Info("orchestrator accepted submission", "eval_id", task.EvalID, "job_name", jobName)
			return outcomeSucceeded
		}

		var classified *errclass.Classified
		if !errors.As(err, &classified) {
			classified = errclass.New(errclass.Transient, "unclassified", err)
		}

		switch {
		case classified.Reason == errclass.ReasonCapacityExhausted:
			d.log.Debug("capacity exceeded, releasing and re-entering phase 1", "eval_id", task.EvalID)
			d.releaseAndReclaim(ctx, task, sandbox)
			return d.phase2RestartFromPhase1(ctx, task, quotaAttempt)

		case classified.Reason == errclass.ReasonQuotaExhausted:
			d.log.Debug("quota exhausted, releasing sandbox and backing off", "eval_id", task.EvalID, "quota_attempt", quotaAttempt)
			if err := d.alloc.Release(ctx, sandbox, task.EvalID); err != nil {
				d.log.Warn("release after quota exhaustion failed", "eval_id", task.EvalID, "error", err)
			}
			if quotaAttempt >= maxAttempts-1 {
				return d.deadLetter(ctx, task, classified, quotaAttempt+1)
			}
			if !sleep(ctx, jitteredBackoff(time.Second, quotaAttempt, 30*time.Second)) {
				return outcomeRedeliver
			}
			return d.phase2RestartFromPhase1(ctx, task, quotaAttempt+1)

		case classified.Class == errclass.Transient:
			if attempt == maxAttempts-1 {
				d.releaseOnFinalFailure(ctx, task, sandbox)
				return d.deadLetter(ctx, task, classified, attempt+1)
			}
			if !sleep(ctx, jitteredBackoff(time.Second, attempt, 5*time.Minute)) {
				return outcomeRedeliver
			}
			continue

		default:
			// permanent 4xx or any non-retryable classification
			d.releaseOnFinalFailure(ctx, task, sandbox)
			return d.deadLetter(ctx, task, classified, attempt+1)
		}
	}

	d.releaseOnFinalFailure(ctx, task, sandbox)
	return d.deadLetter(ctx, task, errclass.New(errclass.Transient, errclass.ReasonDeadLettered, nil), maxAttempts)
}

func (d *Dispatcher) releaseOnFinalFailure(ctx context.Context, task evaltypes.Task, sandbox string) {
	if err := d.alloc.Release(ctx, sandbox, task.EvalID); err != nil {
		d.log.Warn("release on final failure failed", "eval_id", task.EvalID, "error", err)
	}
}

func (d *Dispatcher) releaseAndReclaim(ctx context.Context, task evaltypes.Task, sandbox string) {
	if err := d.alloc.Release(ctx, sandbox, task.EvalID); err != nil {
		d.log.Warn("release before re-entering phase 1 failed", "eval_id", task.EvalID, "error", err)
	}
}

// phase2RestartFromPhase1 re-enters the assignment phase after a
// capacity-driven release, then resumes phase 2 on the newly claimed
// sandbox. Nothing here bounds the number of capacity-driven restarts
// (phase 1 itself retries indefinitely); the recursion ends on ctx
// cancellation, orchestrator acceptance, or one of phase2Execute's
// dead-letter branches (quota budget, transient budget, permanent
// rejection).
func (d *Dispatcher) phase2RestartFromPhase1(ctx context.Context, task evaltypes.Task, quotaAttempt int) phase2Outcome {
	url, ok := d.phase1Assign(ctx, task)
	if !ok {
		return outcomeRedeliver
	}
	d.publishProvisioning(ctx, task.EvalID, url)
	return d.phase2Execute(ctx, task, url, quotaAttempt)
}

func (d *Dispatcher) deadLetter(ctx context.Context, task evaltypes.Task, classified *errclass.Classified, retries int) phase2Outcome {
	now := time.Now().Unix()
	rec := evaltypes.DeadLetterRecord{
		TaskID:          task.EvalID,
		EvalID:          task.EvalID,
		ExceptionClass:  string(classified.Class),
		Message:         classified.Error(),
		RetryCount:      retries,
		FirstFailedUnix: now,
		LastFailedUnix:  now,
	}
	dropped, err := d.dlq.Push(ctx, rec, int64(d.limits.DLQMaxLength), d.limits.DLQMetadataTTL)
	if err != nil {
		d.log.Error("dead-letter push failed", "eval_id", task.EvalID, "error", err)
	} else if dropped {
		d.log.Error("dead-letter queue at capacity, oldest entry dropped", "eval_id", task.EvalID, "max_len", d.limits.DLQMaxLength)
	}

	ev := evaltypes.LifecycleEvent{
		EvalID:    task.EvalID,
		Kind:      evaltypes.EventFailed,
		Sequence:  evaltypes.SeqTerminal,
		Timestamp: now,
		Payload: map[string]any{
			"error":  classified.Error(),
			"reason": classified.Reason,
		},
	}
	if err := d.bus.Publish(ctx, ev); err != nil {
		d.log.Warn("failed event publish failed", "eval_id", task.EvalID, "error", err)
	}
	d.log.Warn("task dead-lettered", "eval_id", task.EvalID, "reason", classified.Reason, "retries", retries)
	return outcomeDeadLettered
}

// jitteredBackoff computes base * 2^attempt, caps it at max, then applies
// +/-50% jitter, so the result lies in [d/2, 1.5*d) for the capped d.
func jitteredBackoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	d := base << uint(minInt(attempt, 10))
	if d <= 0 || d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d))) - d/2
	out := d + jitter
	if out < 0 {
		out = base
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// sleep waits for d or until ctx is cancelled, returning false in the
// latter case.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

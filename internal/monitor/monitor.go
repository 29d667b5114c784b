package monitor

import (
	"context"
	"sync"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/evalforge/corepipeline/internal/config"
	"github.com/evalforge/corepipeline/internal/evaltypes"
	"github.com/evalforge/corepipeline/internal/eventbus"
	"github.com/evalforge/corepipeline/internal/logger"
)

// StatusLookup is the narrow Durable Store read the orphan reconciler
// needs.
type StatusLookup interface {
	IsTerminal(ctx context.Context, evalID string) (bool, error)
}

// evalState is the Monitor's per-evaluation bookkeeping: what it has
// published so far, and anything buffered while waiting for a gap to
// close, under the Monitor's per-evaluation ordering guarantee.
type evalState struct {
	mu           sync.Mutex
	nextSeq      int
	buffered     map[int]evaltypes.LifecycleEvent
	firstBufferedAt time.Time
}

// Monitor is the component-D contract.
type Monitor struct {
	source JobSource
	bus    eventbus.Bus
	lookup StatusLookup
	limits config.Limits
	log    *logger.Logger

	mu     sync.Mutex
	states map[string]*evalState

	seenRunning map[string]bool
}

func New(source JobSource, bus eventbus.Bus, lookup StatusLookup, limits config.Limits, log *logger.Logger) *Monitor {
	return &Monitor{
		source:      source,
		bus:         bus,
		lookup:      lookup,
		limits:      limits,
		log:         log.With("component", "Monitor"),
		states:      make(map[string]*evalState),
		seenRunning: make(map[string]bool),
	}
}

// Run drives the watch loop until ctx is cancelled, reconnecting on a
// bounded interval and whenever the underlying watch channel closes.
func (m *Monitor) Run(ctx context.Context) error {
	reconnect := m.limits.WatchReconnect
	if reconnect <= 0 {
		reconnect = 5 * time.Minute
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.watchOnce(ctx, reconnect); err != nil {
			m.log.Warn("watch cycle ended with error, reconnecting", "error", err)
			if !sleep(ctx, 2*time.Second) {
				return ctx.Err()
			}
		}
		m.reconcileAgainstCurrentState(ctx)
	}
}

func (m *Monitor) watchOnce(ctx context.Context, maxDuration time.Duration) error {
	w, err := m.source.Watch(ctx)
	if err != nil {
		return err
	}
	defer w.Stop()

	deadline := time.NewTimer(maxDuration)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case ev, ok := <-w.ResultChan():
			if !ok {
				return nil
			}
			m.handleWatchEvent(ctx, ev)
		}
	}
}

func (m *Monitor) handleWatchEvent(ctx context.Context, ev watch.Event) {
	job, ok := ev.Object.(*batchv1.Job)
	if !ok {
		return
	}
	evalID, ok := evalIDFromJob(job)
	if !ok {
		return
	}

	switch ev.Type {
	case watch.Added, watch.Modified:
		m.handleJobChange(ctx, evalID, job)
	case watch.Deleted:
		m.handleJobDeleted(ctx, evalID, job)
	}
}

// handleJobChange maps job status conditions onto at most one lifecycle
// event.
func (m *Monitor) handleJobChange(ctx context.Context, evalID string, job *batchv1.Job) {
	switch {
	case job.Status.Succeeded > 0:
		logs, truncated, err := m.source.FetchLogs(ctx, job.Name, m.limits.MaxCapturedBytes)
		if err != nil {
			m.log.Warn("log fetch failed for succeeded job", "eval_id", evalID, "job", job.Name, "error", err)
		}
		exitCode := 0
		m.skipRunningSlot(evalID)
		m.emit(ctx, evalID, evaltypes.LifecycleEvent{
			EvalID: evalID,
			Kind:   evaltypes.EventCompleted,
			Payload: map[string]any{
				"exit_code":        exitCode,
				"output":           logs,
				"output_truncated": truncated,
			},
		})

	case job.Status.Failed > 0 || hasDeadlineExceeded(job):
		reason := failureReason(job)
		logs, truncated, err := m.source.FetchLogs(ctx, job.Name, m.limits.MaxCapturedBytes)
		if err != nil {
			m.log.Warn("log fetch failed for failed job", "eval_id", evalID, "job", job.Name, "error", err)
		}
		m.skipRunningSlot(evalID)
		m.emit(ctx, evalID, evaltypes.LifecycleEvent{
			EvalID: evalID,
			Kind:   evaltypes.EventFailed,
			Payload: map[string]any{
				"error":            reason,
				"reason":           reason,
				"stderr":           logs,
				"stderr_truncated": truncated,
			},
		})

	case job.Status.Active > 0:
		m.mu.Lock()
		already := m.seenRunning[evalID]
		if !already {
			m.seenRunning[evalID] = true
		}
		m.mu.Unlock()
		if !already {
			m.emit(ctx, evalID, evaltypes.LifecycleEvent{
				EvalID: evalID,
				Kind:   evaltypes.EventRunning,
			})
		}
	}
}

func (m *Monitor) handleJobDeleted(ctx context.Context, evalID string, job *batchv1.Job) {
	if job.Status.Succeeded > 0 || job.Status.Failed > 0 {
		return
	}
	m.skipRunningSlot(evalID)
	m.emit(ctx, evalID, evaltypes.LifecycleEvent{
		EvalID: evalID,
		Kind:   evaltypes.EventCancelled,
	})
}

// skipRunningSlot moves an evaluation past the running slot when its job
// is observed in a terminal state before any running event was published:
// no running event follows, so the terminal event publishes at once.
func (m *Monitor) skipRunningSlot(evalID string) {
	st := m.stateFor(evalID)
	st.mu.Lock()
	if st.nextSeq < evaltypes.SeqTerminal {
		st.nextSeq = evaltypes.SeqTerminal
	}
	st.mu.Unlock()
}

func hasDeadlineExceeded(job *batchv1.Job) bool {
	for _, c := range job.Status.Conditions {
		if c.Type == batchv1.JobFailed && string(c.Reason) == "DeadlineExceeded" {
			return true
		}
	}
	return false
}

func failureReason(job *batchv1.Job) string {
	for _, c := range job.Status.Conditions {
		if c.Type == batchv1.JobFailed {
			if c.Reason != "" {
				return c.Reason
			}
			return c.Message
		}
	}
	return "execution_failed"
}

// emit assigns the event's fixed sequence slot, then publishes it and any
// now-unblocked buffered successors in order, per the per-evaluation
// ordering guarantee.
func (m *Monitor) emit(ctx context.Context, evalID string, ev evaltypes.LifecycleEvent) {
	slot, ok := sequenceSlot(ev.Kind)
	if !ok {
		return
	}
	ev.Sequence = slot
	ev.Timestamp = time.Now().Unix()

	st := m.stateFor(evalID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if slot < st.nextSeq {
		// already published or superseded; idempotent no-op
		return
	}
	if slot > st.nextSeq {
		if st.buffered == nil {
			st.buffered = make(map[int]evaltypes.LifecycleEvent)
		}
		if _, exists := st.buffered[slot]; !exists {
			st.buffered[slot] = ev
			if st.firstBufferedAt.IsZero() {
				st.firstBufferedAt = time.Now()
			}
		}
		m.checkGapTimeout(ctx, evalID, st)
		return
	}

	m.publishLocked(ctx, evalID, st, ev)
}

func sequenceSlot(kind evaltypes.LifecycleEventKind) (int, bool) {
	switch kind {
	case evaltypes.EventRunning:
		return evaltypes.SeqRunning, true
	case evaltypes.EventCompleted, evaltypes.EventFailed, evaltypes.EventCancelled:
		return evaltypes.SeqTerminal, true
	default:
		return 0, false
	}
}

func (m *Monitor) publishLocked(ctx context.Context, evalID string, st *evalState, ev evaltypes.LifecycleEvent) {
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.log.Warn("lifecycle event publish failed", "eval_id", evalID, "kind", ev.Kind, "error", err)
	}
	st.nextSeq = ev.Sequence + 1
	st.firstBufferedAt = time.Time{}

	if next, ok := st.buffered[st.nextSeq]; ok {
		delete(st.buffered, st.nextSeq)
		m.publishLocked(ctx, evalID, st, next)
	}
}

// checkGapTimeout releases the oldest buffered event anyway once the gap
// has been open longer than the configured wait: the gap is logged and
// the later event released rather than stalling the buffer forever.
func (m *Monitor) checkGapTimeout(ctx context.Context, evalID string, st *evalState) {
	gapWait := m.limits.EventGapWait
	if gapWait <= 0 {
		gapWait = 30 * time.Second
	}
	if st.firstBufferedAt.IsZero() || time.Since(st.firstBufferedAt) < gapWait {
		return
	}

	// find the lowest buffered sequence and release it out of turn
	lowest := -1
	for seq := range st.buffered {
		if lowest == -1 || seq < lowest {
			lowest = seq
		}
	}
	if lowest == -1 {
		return
	}
	ev := st.buffered[lowest]
	delete(st.buffered, lowest)
	m.log.Warn("event sequence gap timed out, releasing out of order", "eval_id", evalID, "expected_seq", st.nextSeq, "released_seq", lowest)
	m.publishLocked(ctx, evalID, st, ev)
}

func (m *Monitor) stateFor(evalID string) *evalState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[evalID]
	if !ok {
		// The Monitor only ever assigns the Running/Terminal slots itself
		// (sequenceSlot); Queued/Provisioning are published by the Gateway
		// and Dispatcher on a separate path this Monitor never observes.
		// Seeding nextSeq at SeqRunning means a fresh evaluation's running
		// event publishes immediately instead of sitting in the buffer
		// until the gap-timeout escape hatch fires.
		st = &evalState{nextSeq: evaltypes.SeqRunning, buffered: make(map[int]evaltypes.LifecycleEvent)}
		m.states[evalID] = st
	}
	return st
}

// reconcileAgainstCurrentState re-lists jobs after a watch reconnect and
// synthesises any missing terminal event for jobs whose current state
// implies one the Monitor never emitted.
func (m *Monitor) reconcileAgainstCurrentState(ctx context.Context) {
	list, err := m.source.List(ctx)
	if err != nil {
		m.log.Warn("reconcile list failed", "error", err)
		return
	}
	for i := range list.Items {
		job := &list.Items[i]
		evalID, ok := evalIDFromJob(job)
		if !ok {
			continue
		}
		m.handleJobChange(ctx, evalID, job)
	}
}

// OrphanReconciler deletes orchestrator jobs whose evaluation is already
// terminal per the Durable Store, covering both normal cancellation
// follow-through and the late-Phase-2-submission-vs-cancel race.
type OrphanReconciler struct {
	source JobSource
	lookup StatusLookup
	log    *logger.Logger
}

func NewOrphanReconciler(source JobSource, lookup StatusLookup, log *logger.Logger) *OrphanReconciler {
	return &OrphanReconciler{source: source, lookup: lookup, log: log.With("component", "OrphanJobReconciler")}
}

func (r *OrphanReconciler) Run(ctx context.Context) (deleted int, err error) {
	list, err := r.source.List(ctx)
	if err != nil {
		return 0, err
	}
	for i := range list.Items {
		job := &list.Items[i]
		evalID, ok := evalIDFromJob(job)
		if !ok {
			continue
		}
		terminal, lookupErr := r.lookup.IsTerminal(ctx, evalID)
		if lookupErr != nil {
			r.log.Warn("orphan reconcile: status lookup failed", "eval_id", evalID, "error", lookupErr)
			continue
		}
		if !terminal {
			continue
		}
		if delErr := r.source.Delete(ctx, job.Name); delErr != nil {
			r.log.Warn("orphan reconcile: delete failed", "eval_id", evalID, "job", job.Name, "error", delErr)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		r.log.Info("orphan jobs deleted", "count", deleted)
	}
	return deleted, nil
}

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

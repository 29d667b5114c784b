// Package store implements the Durable Store Writer: the
// sole writer of evaluation state, subscribing to every evaluation:*
// channel and applying the state machine atomically within a single
// database transaction per event. Grounded on
// yungbote-neurobridge-backend's internal/data/repos/jobs/job_run.go
// (gorm transaction-scoped updates, SKIP LOCKED claim pattern) — adapted
// here to lock the single row being transitioned rather than claim a
// batch of runnable rows.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/evalforge/corepipeline/internal/config"
	"github.com/evalforge/corepipeline/internal/evaltypes"
	"github.com/evalforge/corepipeline/internal/eventbus"
	"github.com/evalforge/corepipeline/internal/logger"
)

// Store is the component-E contract plus the read-only lookups other
// components need (allocator.StatusLookup, monitor.StatusLookup).
type Store struct {
	db     *gorm.DB
	limits config.Limits
	log    *logger.Logger
}

func New(db *gorm.DB, limits config.Limits, log *logger.Logger) *Store {
	return &Store{db: db, limits: limits, log: log.With("component", "StoreWriter")}
}

// Migrate creates the evaluations table if absent; there is no
// dead_letter table (dead-letter records live in the coordination
// store's dlq list). It is
// safe to call on every process start (gorm.AutoMigrate is a no-op on an
// already-correct schema).
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&evaltypes.Evaluation{}); err != nil {
		return fmt.Errorf("store: automigrate: %w", err)
	}
	return nil
}

// CreateQueued inserts the initial row for a newly submitted evaluation.
// Called directly by whatever process owns evaluation creation — not
// part of the event-subscription path, since the Gateway's `queued`
// event may be lost and this row must still exist for the Writer to
// transition later (best-effort event, durable initial record).
func (s *Store) CreateQueued(ctx context.Context, ev evaltypes.Evaluation) error {
	ev.Status = evaltypes.StatusQueued
	now := time.Now()
	ev.CreatedAt = now
	ev.UpdatedAt = now
	// ON CONFLICT DO NOTHING: the queued event may race this direct call
	// and have already synthesized the row (see Apply), so a duplicate
	// insert here is expected, not an error.
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&ev).Error
	if err != nil {
		return fmt.Errorf("store: create queued evaluation: %w", err)
	}
	return nil
}

// Run subscribes to every lifecycle channel and applies events as they
// arrive until ctx is cancelled.
func (s *Store) Run(ctx context.Context, bus eventbus.Bus) error {
	kinds := []evaltypes.LifecycleEventKind{
		evaltypes.EventQueued,
		evaltypes.EventProvisioning,
		evaltypes.EventRunning,
		evaltypes.EventCompleted,
		evaltypes.EventFailed,
		evaltypes.EventCancelled,
	}
	return bus.Subscribe(ctx, kinds, func(ev evaltypes.LifecycleEvent) {
		if err := s.Apply(ctx, ev); err != nil {
			s.log.Warn("apply lifecycle event failed", "eval_id", ev.EvalID, "kind", ev.Kind, "error", err)
		}
	})
}

// Apply enforces the state machine transition for ev within a single
// transaction, locking the target row (SKIP LOCKED-style contention
// avoidance isn't needed here since there is exactly one row per
// evaluation id, but FOR UPDATE still serializes concurrent Writer
// replicas applying events for the same evaluation).
func (s *Store) Apply(ctx context.Context, ev evaltypes.LifecycleEvent) error {
	to, ok := ev.Kind.Status()
	if !ok {
		return fmt.Errorf("store: unrecognized event kind %q", ev.Kind)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row evaltypes.Evaluation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", ev.EvalID).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// The queued event (or direct CreateQueued) never landed, so
			// whatever event arrives first becomes the Writer's only
			// evidence the evaluation exists — the event-driven write
			// path observes the first real lifecycle event instead.
			// Synthesize a queued row and fall through to the normal
			// transition check on it — every state
			// is directly reachable from queued, so this never rejects a
			// legitimate event just because queued was lost in transit.
			row = evaltypes.Evaluation{ID: ev.EvalID, Status: evaltypes.StatusQueued, CreatedAt: time.Now(), UpdatedAt: time.Now()}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			if to == evaltypes.StatusQueued {
				return nil // the event that arrived is the synthesized state itself
			}
		} else if err != nil {
			return err
		}

		if row.LastEventSequence >= ev.Sequence && ev.Sequence != 0 && row.Status == to {
			return nil // idempotent re-delivery
		}

		if !evaltypes.CanTransition(row.Status, to) {
			s.log.Warn("rejected out-of-table transition", "eval_id", ev.EvalID, "from", row.Status, "to", to)
			return nil
		}

		updates := map[string]interface{}{
			"status":              to,
			"updated_at":          time.Now(),
			"last_event_sequence": ev.Sequence,
		}
		s.applyPayload(updates, to, ev.Payload)

		return tx.Model(&evaltypes.Evaluation{}).Where("id = ?", ev.EvalID).Updates(updates).Error
	})
}

// applyPayload merges kind-specific payload fields into updates, bounding
// captured output to the configured limit and truncating with a marker.
func (s *Store) applyPayload(updates map[string]interface{}, to evaltypes.Status, payload map[string]any) {
	if payload == nil {
		return
	}
	if sandbox, ok := payload["sandbox"].(string); ok {
		updates["assigned_sandbox"] = sandbox
	}
	if to.Terminal() {
		updates["assigned_sandbox"] = ""
	}

	if v, ok := payload["exit_code"]; ok {
		if code, ok := toInt(v); ok {
			updates["exit_code"] = code
		}
	}
	if output, ok := payload["output"].(string); ok {
		truncated, wasTruncated := boundString(output, s.limits.MaxCapturedBytes)
		updates["output"] = truncated
		updates["output_truncated"] = wasTruncated || payloadBool(payload, "output_truncated")
	}
	if errStr, ok := payload["error"].(string); ok {
		updates["error"] = errStr
	}
	if stderr, ok := payload["stderr"].(string); ok {
		truncated, wasTruncated := boundString(stderr, s.limits.MaxCapturedBytes)
		updates["stderr"] = truncated
		updates["stderr_truncated"] = wasTruncated || payloadBool(payload, "stderr_truncated")
	}
}

func payloadBool(payload map[string]any, key string) bool {
	b, _ := payload[key].(bool)
	return b
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func boundString(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	const marker = "\n...[truncated]"
	cut := max - len(marker)
	if cut < 0 {
		return s[:max], true
	}
	return s[:cut] + marker, true
}

// IsTerminal satisfies allocator.StatusLookup and monitor.StatusLookup.
func (s *Store) IsTerminal(ctx context.Context, evalID string) (bool, error) {
	var row evaltypes.Evaluation
	err := s.db.WithContext(ctx).Select("status").Where("id = ?", evalID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: is terminal lookup: %w", err)
	}
	return row.Status.Terminal(), nil
}

// Get returns the current row for evalID, for read paths external to the
// event pipeline (e.g. an HTTP status endpoint built outside this core).
func (s *Store) Get(ctx context.Context, evalID string) (evaltypes.Evaluation, bool, error) {
	var row evaltypes.Evaluation
	err := s.db.WithContext(ctx).Where("id = ?", evalID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return evaltypes.Evaluation{}, false, nil
	}
	if err != nil {
		return evaltypes.Evaluation{}, false, err
	}
	return row, true, nil
}

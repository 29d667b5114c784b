// Package evaltypes holds the shared data model for the evaluation
// pipeline: the Evaluation aggregate, its status state machine, the
// transient task envelope, sandbox slots, lifecycle events, and
// dead-letter records. Nothing in this package talks to Redis, Postgres,
// or the orchestrator — it is pure data plus the invariants that govern it.
package evaltypes

import "time"

// Status is the lifecycle state of an Evaluation. Values are stable and
// persisted; never renumber or rename once shipped.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether s is one of the three terminal states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProvisioning, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priority is the evaluation's priority class.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityHigh
}

// Evaluation is the root entity of the pipeline.
type Evaluation struct {
	ID        string    `json:"id" gorm:"primaryKey;column:id"`
	Source    string    `json:"source" gorm:"column:source"`
	Runtime   string    `json:"runtime" gorm:"column:runtime"`
	TimeoutS  int       `json:"timeout_s" gorm:"column:timeout_s"`
	Priority  Priority  `json:"priority" gorm:"column:priority"`
	Status    Status    `json:"status" gorm:"column:status"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`

	// AssignedSandbox is set only while Status is provisioning or running.
	// It is advisory once the evaluation reaches a terminal state.
	AssignedSandbox string `json:"assigned_sandbox,omitempty" gorm:"column:assigned_sandbox"`

	// JobHandle is the orchestrator's opaque job name once Phase 2 succeeds.
	JobHandle string `json:"job_handle,omitempty" gorm:"column:job_handle"`

	ExitCode    *int   `json:"exit_code,omitempty" gorm:"column:exit_code"`
	Output      string `json:"output,omitempty" gorm:"column:output"`
	OutputTrunc bool   `json:"output_truncated,omitempty" gorm:"column:output_truncated"`
	Stderr      string `json:"stderr,omitempty" gorm:"column:stderr"`
	StderrTrunc bool   `json:"stderr_truncated,omitempty" gorm:"column:stderr_truncated"`
	Error       string `json:"error,omitempty" gorm:"column:error"`
	RetryCount  int    `json:"retry_count" gorm:"column:retry_count"`

	// LastEventSequence is the highest lifecycle-event sequence number
	// applied by the Durable Store Writer for this evaluation. Used to
	// reject stale re-delivery and to detect gaps.
	LastEventSequence int `json:"last_event_sequence" gorm:"column:last_event_sequence"`
}

func (Evaluation) TableName() string { return "evaluations" }

// Transitions is the allowed state machine. Keys are
// the "from" state; values are the set of states reachable directly from
// it. Terminal states only map to themselves (idempotent re-application).
var Transitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusProvisioning: true,
		StatusRunning:      true,
		StatusCompleted:    true, // sub-100ms execution: running lost in transit
		StatusFailed:       true,
		StatusCancelled:    true,
	},
	StatusProvisioning: {
		StatusRunning:   true,
		StatusCompleted: true, // documented quick-fix: provisioning can resolve straight to completed
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusCompleted: {StatusCompleted: true},
	StatusFailed:    {StatusFailed: true},
	StatusCancelled: {StatusCancelled: true},
}

// CanTransition reports whether moving from -> to is allowed by the state
// machine. Re-entering the same terminal state is allowed (idempotent).
func CanTransition(from, to Status) bool {
	next, ok := Transitions[from]
	if !ok {
		return false
	}
	return next[to]
}

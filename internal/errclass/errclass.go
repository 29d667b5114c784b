// Package errclass implements the error taxonomy shared across the
// pipeline so every component applies the same retry/log/alert policy
// without re-deriving classification logic per call site.
package errclass

import "errors"

// Class is one of the six error categories in this taxonomy.
type Class string

const (
	Validation  Class = "validation"   // non-retryable, surfaces to caller
	Transient   Class = "transient"    // retryable with backoff+jitter
	Capacity    Class = "capacity"     // retryable, distinct wait path
	Execution   Class = "execution"    // terminal for the evaluation, not the system
	PolicyBreak Class = "safety_policy" // terminal + alert
	ProtocolBug Class = "protocol_bug" // systemic, counted+logged, never user-visible
)

// Classified wraps an error with its taxonomy class and a short,
// user-safe reason string ("capacity_exhausted",
// "orchestrator_unavailable", etc.) suitable for the Evaluation.Error
// field.
type Classified struct {
	Class  Class
	Reason string
	Err    error
}

func (c *Classified) Error() string {
	if c.Err == nil {
		return c.Reason
	}
	return c.Reason + ": " + c.Err.Error()
}

func (c *Classified) Unwrap() error { return c.Err }

func New(class Class, reason string, err error) *Classified {
	return &Classified{Class: class, Reason: reason, Err: err}
}

// ClassOf extracts the Class from err if it (or something it wraps) is a
// *Classified; otherwise it returns Transient, the safe default for an
// error of unknown provenance (retry rather than silently give up or
// silently surface to a user).
func ClassOf(err error) Class {
	var c *Classified
	if errors.As(err, &c) {
		return c.Class
	}
	return Transient
}

// Retryable reports whether class's default policy is to retry at all.
// Validation and Execution are not retried by the component that
// classified them (Execution is a verdict on the *evaluation*, not a
// signal to keep trying); Capacity and Transient are retried under
// different wait strategies; PolicyBreak and
// ProtocolBug are never retried automatically.
func Retryable(c Class) bool {
	switch c {
	case Transient, Capacity:
		return true
	default:
		return false
	}
}

// Common reason strings shared across components.
const (
	ReasonCapacityExhausted      = "capacity_exhausted"
	ReasonOrchestratorUnavail    = "orchestrator_unavailable"
	ReasonQuotaExhausted         = "quota_exhausted"
	ReasonDeadlineExceeded       = "deadline_exceeded"
	ReasonNonRetryablePermanent  = "permanent_rejection"
	ReasonSafetyPolicyViolation  = "safety_policy_violation"
	ReasonDeadLettered           = "retry_budget_exhausted"
)

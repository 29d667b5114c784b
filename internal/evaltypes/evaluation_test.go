package evaltypes

import "testing"

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s: want terminal", s)
		}
	}
	nonTerminal := []Status{StatusQueued, StatusProvisioning, StatusRunning}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%s: want non-terminal", s)
		}
	}
}

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusProvisioning, true},
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusCompleted, true}, // sub-100ms execution edge case
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusCancelled, true},
		{StatusProvisioning, StatusRunning, true},
		{StatusProvisioning, StatusCompleted, true}, // documented quick-fix
		{StatusProvisioning, StatusFailed, true},
		{StatusProvisioning, StatusCancelled, true},
		{StatusProvisioning, StatusQueued, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusProvisioning, false},
		{StatusCompleted, StatusCompleted, true},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusFailed, true},
		{StatusFailed, StatusCompleted, false},
		{StatusCancelled, StatusCancelled, true},
		{StatusCancelled, StatusRunning, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestCanTransitionUnknownFrom(t *testing.T) {
	if CanTransition(Status("bogus"), StatusQueued) {
		t.Error("unknown from-state should never transition")
	}
}

func TestPriorityValid(t *testing.T) {
	if !PriorityNormal.Valid() || !PriorityHigh.Valid() {
		t.Error("normal and high must be valid priorities")
	}
	if Priority("urgent").Valid() {
		t.Error("unregistered priority must be invalid")
	}
}

func TestLifecycleEventKindStatus(t *testing.T) {
	cases := map[LifecycleEventKind]Status{
		EventQueued:       StatusQueued,
		EventProvisioning: StatusProvisioning,
		EventRunning:      StatusRunning,
		EventCompleted:    StatusCompleted,
		EventFailed:       StatusFailed,
		EventCancelled:    StatusCancelled,
	}
	for kind, want := range cases {
		got, ok := kind.Status()
		if !ok || got != want {
			t.Errorf("%s.Status() = (%s, %v), want (%s, true)", kind, got, ok, want)
		}
	}
	if _, ok := LifecycleEventKind("bogus").Status(); ok {
		t.Error("unrecognized kind should report ok=false")
	}
}

func TestLifecycleEventKindChannel(t *testing.T) {
	if got := EventCompleted.Channel(); got != "evaluation:completed" {
		t.Errorf("Channel() = %q, want evaluation:completed", got)
	}
}

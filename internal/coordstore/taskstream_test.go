package coordstore

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/evalforge/corepipeline/internal/evaltypes"
)

func TestParseTaskMessageRoundTrip(t *testing.T) {
	task := evaltypes.Task{EvalID: "eval-1", Source: "print(1)", Runtime: "py", TimeoutS: 5, Priority: evaltypes.PriorityHigh}
	raw, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := parseTaskMessage(map[string]interface{}{"task": string(raw)})
	if err != nil {
		t.Fatalf("parseTaskMessage: %v", err)
	}
	if got != task {
		t.Fatalf("parseTaskMessage roundtrip = %+v, want %+v", got, task)
	}
}

func TestParseTaskMessageMissingField(t *testing.T) {
	if _, err := parseTaskMessage(map[string]interface{}{}); err == nil {
		t.Fatal("expected error for missing task field")
	}
}

func TestParseTaskMessageWrongType(t *testing.T) {
	if _, err := parseTaskMessage(map[string]interface{}{"task": 42}); err == nil {
		t.Fatal("expected error when task field is not a string")
	}
}

func TestParseTaskMessageInvalidJSON(t *testing.T) {
	if _, err := parseTaskMessage(map[string]interface{}{"task": "{not json"}); err == nil {
		t.Fatal("expected error for malformed JSON payload")
	}
}

func TestIsBusyGroup(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("BUSYGROUP Consumer Group name already exists"), true},
		{errors.New("WRONGTYPE Operation against a key"), false},
		{errors.New("short"), false},
	}
	for _, c := range cases {
		if got := isBusyGroup(c.err); got != c.want {
			t.Errorf("isBusyGroup(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

// TestNextStreamOrderWeighting covers the 2:1 high:normal weighting:
// across every 3-turn cycle, high is tried first twice and normal is
// tried first once, so normal is never completely starved.
func TestNextStreamOrderWeighting(t *testing.T) {
	ts := &redisTaskStream{}
	var firstNormalCount, firstHighCount int
	const cycles = 9 // 3 full 3-turn cycles
	for i := 0; i < cycles; i++ {
		order := ts.nextStreamOrder()
		if len(order) != 2 {
			t.Fatalf("nextStreamOrder() returned %d streams, want 2", len(order))
		}
		switch order[0] {
		case streamHigh:
			firstHighCount++
		case streamNormal:
			firstNormalCount++
		default:
			t.Fatalf("unexpected stream name %q", order[0])
		}
	}
	if firstNormalCount != cycles/3 {
		t.Errorf("normal tried first %d times in %d turns, want %d (one in three)", firstNormalCount, cycles, cycles/3)
	}
	if firstHighCount != cycles-cycles/3 {
		t.Errorf("high tried first %d times in %d turns, want %d", firstHighCount, cycles, cycles-cycles/3)
	}
}

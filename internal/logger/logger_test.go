package logger

import "testing"

func TestSanitizeRedactsKnownKeys(t *testing.T) {
	kv := sanitize([]interface{}{"source", "print(1)", "eval_id", "eval-1"})
	if kv[1] == "print(1)" {
		t.Fatal("source value was not redacted")
	}
	if kv[3] != "eval-1" {
		t.Fatalf("non-sensitive key was altered: %v", kv[3])
	}
	summary, ok := kv[1].(map[string]interface{})
	if !ok {
		t.Fatalf("redacted source value = %#v, want a summary map", kv[1])
	}
	if summary["bytes"] != len("print(1)") {
		t.Fatalf("summary bytes = %v, want %d", summary["bytes"], len("print(1)"))
	}
}

func TestSanitizeIsCaseInsensitiveOnKeys(t *testing.T) {
	kv := sanitize([]interface{}{"STDOUT", "some output"})
	if kv[1] == "some output" {
		t.Fatal("STDOUT was not matched case-insensitively")
	}
}

func TestSanitizeLeavesOddTrailingValueAlone(t *testing.T) {
	kv := sanitize([]interface{}{"stage", "phase1", "dangling"})
	if len(kv) != 3 || kv[2] != "dangling" {
		t.Fatalf("sanitize(odd-length) = %v, want trailing value preserved as-is", kv)
	}
}

func TestSanitizeEmptyInputReturnsEmpty(t *testing.T) {
	if kv := sanitize(nil); len(kv) != 0 {
		t.Fatalf("sanitize(nil) = %v, want empty", kv)
	}
}

func TestSummarizeNonStringValueIsRedactedMarker(t *testing.T) {
	if got := summarize(42); got != "[redacted]" {
		t.Fatalf("summarize(non-string) = %v, want [redacted]", got)
	}
}

func TestNewNopDoesNotPanic(t *testing.T) {
	l := NewNop()
	l.Info("hello", "key", "value")
	l.With("component", "test").Debug("nested")
	l.Sync()
}

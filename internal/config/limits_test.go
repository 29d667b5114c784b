package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadLimitsMissingFileUsesDefaults(t *testing.T) {
	l := LoadLimits("", nil)
	want := DefaultLimits()
	if l.MaxSourceBytes != want.MaxSourceBytes || l.MaxRetryAttempts != want.MaxRetryAttempts {
		t.Fatalf("LoadLimits(\"\") = %+v, want defaults %+v", l, want)
	}
}

func TestLoadLimitsYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.yaml")
	yamlBody := "max_source_bytes: 2048\nmax_retry_attempts: 7\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	l := LoadLimits(path, nil)
	if l.MaxSourceBytes != 2048 {
		t.Errorf("MaxSourceBytes = %d, want 2048", l.MaxSourceBytes)
	}
	if l.MaxRetryAttempts != 7 {
		t.Errorf("MaxRetryAttempts = %d, want 7", l.MaxRetryAttempts)
	}
	// Fields not present in the YAML file must keep their defaults.
	if l.MaxMemoryMB != DefaultLimits().MaxMemoryMB {
		t.Errorf("MaxMemoryMB = %d, want default %d", l.MaxMemoryMB, DefaultLimits().MaxMemoryMB)
	}
}

func TestLoadLimitsEnvOverlayTakesPrecedenceOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.yaml")
	if err := os.WriteFile(path, []byte("max_retry_attempts: 7\n"), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	t.Setenv("EVAL_MAX_RETRY_ATTEMPTS", "9")

	l := LoadLimits(path, nil)
	if l.MaxRetryAttempts != 9 {
		t.Fatalf("MaxRetryAttempts = %d, want 9 (env must win over YAML)", l.MaxRetryAttempts)
	}
}

func TestLoadLimitsUnreadableFileIsNotFatal(t *testing.T) {
	l := LoadLimits(filepath.Join(t.TempDir(), "does-not-exist.yaml"), nil)
	if l.MaxSourceBytes != DefaultLimits().MaxSourceBytes {
		t.Fatalf("expected defaults when the limits file is missing, got %+v", l)
	}
}

func TestLoadLimitsDurationEnvOverlay(t *testing.T) {
	t.Setenv("EVAL_BUSY_MARKER_TTL", "2h")
	l := LoadLimits("", nil)
	if l.BusyMarkerTTL != 2*time.Hour {
		t.Fatalf("BusyMarkerTTL = %v, want 2h", l.BusyMarkerTTL)
	}
}

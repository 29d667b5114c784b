package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/evalforge/corepipeline/internal/logger"
)

// Limits holds the platform-wide, configurable limits. A YAML file (if
// present) overlays the defaults, and individual env vars overlay the
// YAML file, in that order — so a
// fleet-wide limits.yaml can be checked in while a single host can still
// override one knob for a load test.
type Limits struct {
	MaxSourceBytes       int           `yaml:"max_source_bytes"`
	MaxTimeoutSeconds    int           `yaml:"max_timeout_seconds"`
	MaxCapturedBytes     int           `yaml:"max_captured_bytes"`
	MaxMemoryMB          int           `yaml:"max_memory_mb"`
	MaxCPUMillicores     int           `yaml:"max_cpu_millicores"`
	MaxRetryAttempts     int           `yaml:"max_retry_attempts"`
	BusyMarkerTTL        time.Duration `yaml:"busy_marker_ttl"`
	WatchReconnect       time.Duration `yaml:"watch_reconnect_interval"`
	EventGapWait         time.Duration `yaml:"event_gap_wait"`
	BatchSubmitCeiling   int           `yaml:"batch_submission_ceiling"`
	RegisteredRuntimes   []string      `yaml:"registered_runtimes"`
	DLQMaxLength         int           `yaml:"dlq_max_length"`
	DLQMetadataTTL       time.Duration `yaml:"dlq_metadata_ttl"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxSourceBytes:     64 * 1024,
		MaxTimeoutSeconds:  300,
		MaxCapturedBytes:   1024 * 1024,
		MaxMemoryMB:        512,
		MaxCPUMillicores:   500,
		MaxRetryAttempts:   3,
		BusyMarkerTTL:      600 * time.Second,
		WatchReconnect:     300 * time.Second,
		EventGapWait:       30 * time.Second,
		BatchSubmitCeiling: 100,
		RegisteredRuntimes: []string{"py", "node", "go"},
		DLQMaxLength:       10000,
		DLQMetadataTTL:     30 * 24 * time.Hour,
	}
}

// LoadLimits reads DefaultLimits, overlays path (if non-empty and
// readable) as YAML, then overlays per-field env vars. Missing or
// unreadable path is not fatal — it just means the process runs on
// built-in defaults plus whatever env vars are set, matching the
// teacher's "never crash on missing optional config" posture.
func LoadLimits(path string, log *logger.Logger) Limits {
	l := DefaultLimits()
	if path != "" {
		if raw, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(raw, &l); err != nil && log != nil {
				log.Warn("failed to parse limits file, using defaults/env overlay only", "path", path, "error", err)
			}
		} else if log != nil {
			log.Debug("limits file not found, using defaults/env overlay only", "path", path)
		}
	}

	l.MaxSourceBytes = GetEnvAsInt("EVAL_MAX_SOURCE_BYTES", l.MaxSourceBytes, log)
	l.MaxTimeoutSeconds = GetEnvAsInt("EVAL_MAX_TIMEOUT_SECONDS", l.MaxTimeoutSeconds, log)
	l.MaxCapturedBytes = GetEnvAsInt("EVAL_MAX_CAPTURED_BYTES", l.MaxCapturedBytes, log)
	l.MaxMemoryMB = GetEnvAsInt("EVAL_MAX_MEMORY_MB", l.MaxMemoryMB, log)
	l.MaxCPUMillicores = GetEnvAsInt("EVAL_MAX_CPU_MILLICORES", l.MaxCPUMillicores, log)
	l.MaxRetryAttempts = GetEnvAsInt("EVAL_MAX_RETRY_ATTEMPTS", l.MaxRetryAttempts, log)
	l.BusyMarkerTTL = GetEnvAsDuration("EVAL_BUSY_MARKER_TTL", l.BusyMarkerTTL, log)
	l.WatchReconnect = GetEnvAsDuration("EVAL_WATCH_RECONNECT_INTERVAL", l.WatchReconnect, log)
	l.EventGapWait = GetEnvAsDuration("EVAL_EVENT_GAP_WAIT", l.EventGapWait, log)
	l.BatchSubmitCeiling = GetEnvAsInt("EVAL_BATCH_SUBMIT_CEILING", l.BatchSubmitCeiling, log)
	l.DLQMaxLength = GetEnvAsInt("EVAL_DLQ_MAX_LENGTH", l.DLQMaxLength, log)
	l.DLQMetadataTTL = GetEnvAsDuration("EVAL_DLQ_METADATA_TTL", l.DLQMetadataTTL, log)
	return l
}

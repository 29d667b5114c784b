// Package logger provides the structured logging wrapper shared by every
// component of the evaluation pipeline. Adapted from
// yungbote-neurobridge-backend's internal/pkg/logger: a thin
// *zap.SugaredLogger wrapper with component tagging via With, but
// retargeted redaction — this platform's sensitive payloads are
// submitted source code and captured process output, not user PII.
package logger

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"go.uber.org/zap"
)

type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

// New builds a Logger. mode "prod"/"production" selects zap's production
// encoder (JSON, info level); anything else selects the development
// encoder (console, debug level).
func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zl, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: zl.Sugar()}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func (l *Logger) Sync() {
	if l == nil || l.SugaredLogger == nil {
		return
	}
	_ = l.SugaredLogger.Sync()
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.SugaredLogger.Debugw(msg, sanitize(kv)...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.SugaredLogger.Infow(msg, sanitize(kv)...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.SugaredLogger.Warnw(msg, sanitize(kv)...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.SugaredLogger.Errorw(msg, sanitize(kv)...) }

func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(sanitize(kv)...)}
}

// redactKeys never get their values logged verbatim: submitted source and
// captured process output can contain arbitrary user data (credentials
// pasted into a test script, secrets printed by a misbehaving snippet).
var redactKeys = map[string]bool{
	"source":  true,
	"stdout":  true,
	"stderr":  true,
	"output":  true,
	"payload": true,
}

func sanitize(kv []interface{}) []interface{} {
	if len(kv) == 0 {
		return kv
	}
	out := make([]interface{}, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		if i == len(kv)-1 {
			out = append(out, kv[i])
			break
		}
		key := strings.ToLower(strings.TrimSpace(toString(kv[i])))
		val := kv[i+1]
		if redactKeys[key] {
			val = summarize(val)
		}
		out = append(out, kv[i], val)
	}
	return out
}

// summarize replaces a sensitive value with its length and a short hash,
// enough to correlate log lines without leaking the payload.
func summarize(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return "[redacted]"
	}
	sum := sha256.Sum256([]byte(s))
	return map[string]interface{}{
		"bytes":   len(s),
		"sha256_8": hex.EncodeToString(sum[:])[:8],
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

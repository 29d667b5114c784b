// Package config loads component configuration from the environment,
// following yungbote-neurobridge-backend's internal/utils.GetEnv*
// convention: read, fall back to a sane default. An unset variable falls
// back silently; an unparsable int or duration falls back with a warning.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/evalforge/corepipeline/internal/logger"
)

func GetEnv(key, def string, log *logger.Logger) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func GetEnvAsInt(key string, def int, log *logger.Logger) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if log != nil {
			log.Warn("invalid int env var, using default", "key", key, "value", v, "default", def)
		}
		return def
	}
	return n
}

func GetEnvAsDuration(key string, def time.Duration, log *logger.Logger) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		if log != nil {
			log.Warn("invalid duration env var, using default", "key", key, "value", v, "default", def)
		}
		return def
	}
	return d
}

func GetEnvAsBool(key string, def bool, log *logger.Logger) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

// Package shutdown gives every cmd/ entrypoint the same signal-driven
// context cancellation, adapted from
// yungbote-neurobridge-backend's internal/inference/platform/shutdown.
package shutdown

import (
	"context"
	"os/signal"
	"syscall"
)

// NotifyContext returns a context cancelled on SIGINT or SIGTERM.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

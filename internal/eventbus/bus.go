// Package eventbus implements the best-effort pub/sub fabric between the
// Dispatcher/Monitor and the Durable Store Writer. Adapted from
// yungbote-neurobridge-backend's internal/realtime/bus/redis_bus.go
// (there a single SSE fan-out channel; here one channel per lifecycle
// event kind: evaluation:queued / :provisioning / :running / :completed /
// :failed / :cancelled).
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/evalforge/corepipeline/internal/evaltypes"
	"github.com/evalforge/corepipeline/internal/logger"
	"github.com/evalforge/corepipeline/internal/tracing"
)

// Bus is the publish/subscribe contract used by every component. It is
// intentionally the only interface any component depends on — concrete
// construction (NewRedisBus) lives here, but callers take Bus so tests can
// substitute an in-memory fake.
type Bus interface {
	// Publish sends ev on its kind's channel. Best-effort: a subscriber
	// that isn't currently listening simply misses it.
	Publish(ctx context.Context, ev evaltypes.LifecycleEvent) error

	// Subscribe delivers every event published to any of kinds to onEvent,
	// until ctx is cancelled or Close is called. Delivery order across
	// different evaluations is not guaranteed; order across
	// events for a single evaluation depends on the publisher (the Monitor
	// is responsible for that — see internal/monitor).
	Subscribe(ctx context.Context, kinds []evaltypes.LifecycleEventKind, onEvent func(evaltypes.LifecycleEvent)) error

	Close() error
}

type redisBus struct {
	log *logger.Logger
	rdb *goredis.Client
}

// NewRedisBus constructs a Bus backed by Redis pub/sub.
func NewRedisBus(rdb *goredis.Client, log *logger.Logger) Bus {
	return &redisBus{rdb: rdb, log: log.With("component", "EventBus")}
}

func (b *redisBus) Publish(ctx context.Context, ev evaltypes.LifecycleEvent) error {
	ctx, span := tracing.StartEvalSpan(ctx, "eventbus", "publish:"+string(ev.Kind), ev.EvalID)
	defer span.End()

	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, ev.Kind.Channel(), raw).Err(); err != nil {
		b.log.Warn("publish failed", "channel", ev.Kind.Channel(), "eval_id", ev.EvalID, "error", err)
		return fmt.Errorf("eventbus: publish: %w", err)
	}
	return nil
}

func (b *redisBus) Subscribe(ctx context.Context, kinds []evaltypes.LifecycleEventKind, onEvent func(evaltypes.LifecycleEvent)) error {
	if len(kinds) == 0 {
		return fmt.Errorf("eventbus: subscribe requires at least one channel")
	}
	channels := make([]string, len(kinds))
	for i, k := range kinds {
		channels[i] = k.Channel()
	}

	sub := b.rdb.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("eventbus: subscribe: %w", err)
	}

	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok || msg == nil {
					return
				}
				var ev evaltypes.LifecycleEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn("bad event payload, dropping", "channel", msg.Channel, "error", err)
					continue
				}
				spanCtx, span := tracing.StartEvalSpan(ctx, "eventbus", "consume:"+string(ev.Kind), ev.EvalID)
				onEvent(ev)
				span.End()
				_ = spanCtx
			}
		}
	}()
	return nil
}

func (b *redisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

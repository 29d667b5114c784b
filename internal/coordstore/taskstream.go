// Package coordstore implements the atomic key-value coordination store
// and the at-least-once task stream between the Submission Gateway and
// the Task Dispatcher. Both are backed by a single Redis instance: the
// task stream uses Redis Streams + consumer groups (built for exactly
// "at-least-once delivery and per-id single-consumer semantics"); the
// allocator/DLQ state uses Lua scripts for the same single-round-trip
// atomicity yungbote-neurobridge-backend achieves with Postgres's SKIP
// LOCKED (internal/repos/job_run.go) — here there is no transactional
// SQL engine underneath, so the equivalent primitive is a server-side
// atomic script.
package coordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/evalforge/corepipeline/internal/evaltypes"
	"github.com/evalforge/corepipeline/internal/logger"
)

const (
	streamHigh   = "evalcore:tasks:high"
	streamNormal = "evalcore:tasks:normal"
	consumerGrp  = "dispatcher"
)

// TaskStream is the durable, at-least-once message log between the
// Submission Gateway and the Task Dispatcher.
type TaskStream interface {
	// Enqueue appends t to the sub-stream selected by t.Priority.
	Enqueue(ctx context.Context, t evaltypes.Task) error

	// Dequeue reads up to one task from the priority streams, weighting
	// high approximately 2:1 over normal, claiming it for
	// consumerName. It also opportunistically reclaims one stale pending
	// entry (a crashed consumer's unacked message) before reading new
	// entries, so redelivery doesn't wait for an operator.
	// Returns (task, ackHandle, ok, error); ok=false means nothing was
	// available this round.
	Dequeue(ctx context.Context, consumerName string, staleAfter time.Duration) (evaltypes.Task, AckHandle, bool, error)

	// Ack acknowledges successful terminal handling of a dequeued task,
	// removing it from the pending entries list for its stream.
	Ack(ctx context.Context, handle AckHandle) error
}

// AckHandle identifies one delivered stream entry for acknowledgement.
type AckHandle struct {
	Stream string
	ID     string
}

type redisTaskStream struct {
	rdb *goredis.Client
	log *logger.Logger

	// pollTurn alternates which stream is preferred on each Dequeue call
	// to implement the ~2:1 weighted round robin without strict priority
	// two "high" turns for every one "normal" turn. Guarded by pollMu since
	// multiple Dispatcher workers call Dequeue concurrently on one stream.
	pollMu   sync.Mutex
	pollTurn int
}

func NewRedisTaskStream(rdb *goredis.Client, log *logger.Logger) TaskStream {
	ts := &redisTaskStream{rdb: rdb, log: log.With("component", "TaskStream")}
	ts.ensureGroups(context.Background())
	return ts
}

func (ts *redisTaskStream) ensureGroups(ctx context.Context) {
	for _, s := range []string{streamHigh, streamNormal} {
		err := ts.rdb.XGroupCreateMkStream(ctx, s, consumerGrp, "$").Err()
		if err != nil && !errors.Is(err, goredis.Nil) {
			// BUSYGROUP means it already exists, which is the common case
			// on every restart after the first; anything else is logged.
			if !isBusyGroup(err) && ts.log != nil {
				ts.log.Warn("failed to create consumer group", "stream", s, "error", err)
			}
		}
	}
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (ts *redisTaskStream) Enqueue(ctx context.Context, t evaltypes.Task) error {
	stream := streamNormal
	if t.Priority == evaltypes.PriorityHigh {
		stream = streamHigh
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("coordstore: marshal task: %w", err)
	}
	err = ts.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"task": raw},
	}).Err()
	if err != nil {
		return fmt.Errorf("coordstore: enqueue: %w", err)
	}
	return nil
}

// nextStreamOrder returns the two priority streams in the order this
// Dequeue call should try them, implementing the 2:1 weighting.
func (ts *redisTaskStream) nextStreamOrder() []string {
	ts.pollMu.Lock()
	ts.pollTurn = (ts.pollTurn + 1) % 3
	turn := ts.pollTurn
	ts.pollMu.Unlock()
	if turn == 0 {
		// every 3rd turn, check normal first so it isn't starved entirely
		return []string{streamNormal, streamHigh}
	}
	return []string{streamHigh, streamNormal}
}

func (ts *redisTaskStream) Dequeue(ctx context.Context, consumerName string, staleAfter time.Duration) (evaltypes.Task, AckHandle, bool, error) {
	for _, stream := range ts.nextStreamOrder() {
		if task, handle, ok, err := ts.reclaimStale(ctx, stream, consumerName, staleAfter); err != nil {
			return evaltypes.Task{}, AckHandle{}, false, err
		} else if ok {
			return task, handle, true, nil
		}

		res, err := ts.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    consumerGrp,
			Consumer: consumerName,
			Streams:  []string{stream, ">"},
			Count:    1,
			Block:    10 * time.Millisecond,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue
			}
			return evaltypes.Task{}, AckHandle{}, false, fmt.Errorf("coordstore: dequeue %s: %w", stream, err)
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				task, perr := parseTaskMessage(msg.Values)
				if perr != nil {
					ts.log.Warn("dropping unparseable stream entry", "stream", stream, "id", msg.ID, "error", perr)
					_ = ts.rdb.XAck(ctx, stream, consumerGrp, msg.ID).Err()
					continue
				}
				return task, AckHandle{Stream: stream, ID: msg.ID}, true, nil
			}
		}
	}
	return evaltypes.Task{}, AckHandle{}, false, nil
}

// reclaimStale looks for one pending entry idle longer than staleAfter
// (a consumer crashed mid-task without acking) and claims it for
// consumerName, giving at-least-once redelivery without a separate
// reconciliation process.
func (ts *redisTaskStream) reclaimStale(ctx context.Context, stream, consumerName string, staleAfter time.Duration) (evaltypes.Task, AckHandle, bool, error) {
	msgs, _, err := ts.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   stream,
		Group:    consumerGrp,
		Consumer: consumerName,
		MinIdle:  staleAfter,
		Start:    "0",
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return evaltypes.Task{}, AckHandle{}, false, nil
		}
		return evaltypes.Task{}, AckHandle{}, false, fmt.Errorf("coordstore: autoclaim %s: %w", stream, err)
	}
	for _, msg := range msgs {
		task, perr := parseTaskMessage(msg.Values)
		if perr != nil {
			_ = ts.rdb.XAck(ctx, stream, consumerGrp, msg.ID).Err()
			continue
		}
		task.Attempt++
		return task, AckHandle{Stream: stream, ID: msg.ID}, true, nil
	}
	return evaltypes.Task{}, AckHandle{}, false, nil
}

func parseTaskMessage(values map[string]interface{}) (evaltypes.Task, error) {
	raw, ok := values["task"]
	if !ok {
		return evaltypes.Task{}, fmt.Errorf("missing task field")
	}
	s, ok := raw.(string)
	if !ok {
		return evaltypes.Task{}, fmt.Errorf("task field not a string")
	}
	var t evaltypes.Task
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return evaltypes.Task{}, err
	}
	return t, nil
}

func (ts *redisTaskStream) Ack(ctx context.Context, handle AckHandle) error {
	if err := ts.rdb.XAck(ctx, handle.Stream, consumerGrp, handle.ID).Err(); err != nil {
		return fmt.Errorf("coordstore: ack: %w", err)
	}
	return nil
}

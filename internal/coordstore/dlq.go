package coordstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/evalforge/corepipeline/internal/evaltypes"
)

const (
	keyDLQ         = "dlq"
	keyDLQMetaFmt  = "dlq:metadata:%s"
)

// DeadLetterStore is the bounded FIFO with per-id metadata lookup backing
// the dead-letter record: it drops the oldest entry first once over
// capacity and reports every drop through Push's dropped result.
type DeadLetterStore interface {
	// Push adds rec to the head of the FIFO and trims it to maxLen,
	// dropping the oldest entry first when over capacity. Returns true if
	// an entry was dropped to make room.
	Push(ctx context.Context, rec evaltypes.DeadLetterRecord, maxLen int64, metadataTTL time.Duration) (dropped bool, err error)

	// Len returns the current FIFO length.
	Len(ctx context.Context) (int64, error)

	// DrainOldest returns up to n of the oldest entries without removing
	// them, for an operator paging through the queue (out of scope caller,
	// in-scope read path).
	DrainOldest(ctx context.Context, n int64) ([]evaltypes.DeadLetterRecord, error)

	// Metadata looks up the metadata hash for a task id.
	Metadata(ctx context.Context, taskID string) (map[string]string, bool, error)
}

type redisDLQ struct {
	rdb *goredis.Client
}

func NewRedisDLQ(rdb *goredis.Client) DeadLetterStore {
	return &redisDLQ{rdb: rdb}
}

func (d *redisDLQ) Push(ctx context.Context, rec evaltypes.DeadLetterRecord, maxLen int64, metadataTTL time.Duration) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("coordstore: marshal dlq record: %w", err)
	}

	before, err := d.rdb.LLen(ctx, keyDLQ).Result()
	if err != nil {
		return false, fmt.Errorf("coordstore: dlq len: %w", err)
	}

	pipe := d.rdb.TxPipeline()
	pipe.LPush(ctx, keyDLQ, raw)
	if maxLen > 0 {
		pipe.LTrim(ctx, keyDLQ, 0, maxLen-1)
	}
	if rec.Metadata != nil {
		metaKey := fmt.Sprintf(keyDLQMetaFmt, rec.TaskID)
		fields := make(map[string]interface{}, len(rec.Metadata))
		for k, v := range rec.Metadata {
			fields[k] = v
		}
		pipe.HSet(ctx, metaKey, fields)
		if metadataTTL > 0 {
			pipe.Expire(ctx, metaKey, metadataTTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("coordstore: dlq push: %w", err)
	}

	dropped := maxLen > 0 && before >= maxLen
	return dropped, nil
}

func (d *redisDLQ) Len(ctx context.Context) (int64, error) {
	n, err := d.rdb.LLen(ctx, keyDLQ).Result()
	if err != nil {
		return 0, fmt.Errorf("coordstore: dlq len: %w", err)
	}
	return n, nil
}

func (d *redisDLQ) DrainOldest(ctx context.Context, n int64) ([]evaltypes.DeadLetterRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	total, err := d.rdb.LLen(ctx, keyDLQ).Result()
	if err != nil {
		return nil, fmt.Errorf("coordstore: dlq len: %w", err)
	}
	if total == 0 {
		return nil, nil
	}
	start := total - n
	if start < 0 {
		start = 0
	}
	raws, err := d.rdb.LRange(ctx, keyDLQ, start, total-1).Result()
	if err != nil {
		return nil, fmt.Errorf("coordstore: dlq range: %w", err)
	}
	out := make([]evaltypes.DeadLetterRecord, 0, len(raws))
	for _, raw := range raws {
		var rec evaltypes.DeadLetterRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	// LPUSH adds to the head, so raws runs newest-to-oldest; reverse it so
	// the oldest entry comes first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (d *redisDLQ) Metadata(ctx context.Context, taskID string) (map[string]string, bool, error) {
	m, err := d.rdb.HGetAll(ctx, fmt.Sprintf(keyDLQMetaFmt, taskID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("coordstore: dlq metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, false, nil
	}
	return m, true, nil
}

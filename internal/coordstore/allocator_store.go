package coordstore

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ReleaseOutcome distinguishes the three release results the allocator
// must be able to report.
type ReleaseOutcome int

const (
	ReleaseNormal ReleaseOutcome = iota
	ReleaseDouble
	ReleaseUnknown
)

const (
	keyAvailable = "available_executors"
	keyPoolURLs  = "pool_urls"
	keyBusyFmt   = "executor:busy:%s"
	keyAssignFmt = "assigner:%s"
)

// AllocatorStore is the atomic key-value primitive backing the Sandbox
// Pool Allocator. Every operation here is a single Redis round trip
// (a Lua script where more than one key must change atomically), so
// a claim or release is never split across two round trips that a
// crash could interleave between.
type AllocatorStore interface {
	// InitPool seeds the available list and the pool membership set. Safe
	// to call repeatedly (e.g. on every process start) — idempotent via a
	// SADD + conditional RPUSH that skips URLs already known to the pool.
	InitPool(ctx context.Context, urls []string) error

	// Claim atomically pops one URL from the available list and marks it
	// busy (with ttl) for evalID, recording the reverse mapping too.
	// Returns ok=false if the pool was empty.
	Claim(ctx context.Context, evalID string, ttl time.Duration) (url string, ok bool, err error)

	// Release is the idempotent release script.
	Release(ctx context.Context, url, evalID string) (ReleaseOutcome, error)

	// BusyEvalFor returns the evaluation id currently recorded as holding
	// url, if any (used by the reconciler).
	BusyEvalFor(ctx context.Context, url string) (string, bool, error)

	// AssignedSandboxFor returns the sandbox url recorded against evalID
	// via the assigner:{eval_id} key, if any. The reconciler does not call
	// it; it works from ScanBusyMarkers and BusyEvalFor.
	AssignedSandboxFor(ctx context.Context, evalID string) (string, bool, error)

	// ScanBusyMarkers lists all currently-set executor:busy:{url} keys,
	// for the periodic crash-recovery reconciler.
	ScanBusyMarkers(ctx context.Context) ([]string, error)
}

type redisAllocatorStore struct {
	rdb *goredis.Client

	claimScript   *goredis.Script
	releaseScript *goredis.Script
}

func NewRedisAllocatorStore(rdb *goredis.Client) AllocatorStore {
	return &redisAllocatorStore{
		rdb:           rdb,
		claimScript:   goredis.NewScript(claimLua),
		releaseScript: goredis.NewScript(releaseLua),
	}
}

func (s *redisAllocatorStore) InitPool(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	for _, u := range urls {
		// Only add to the available list the first time we see this URL:
		// SADD returns 1 iff it was newly added to pool_urls.
		pipe.Eval(ctx, initPoolMemberLua, []string{keyPoolURLs, keyAvailable}, u)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("coordstore: init pool: %w", err)
	}
	return nil
}

// initPoolMemberLua adds url to the pool's membership set and, only the
// first time it's seen, to the available list — so restarting the
// allocator process never re-adds a URL that's currently claimed.
const initPoolMemberLua = `
local pool_key = KEYS[1]
local avail_key = KEYS[2]
local url = ARGV[1]
local added = redis.call('SADD', pool_key, url)
if added == 1 then
  redis.call('RPUSH', avail_key, url)
end
return added
`

const claimLua = `
local avail_key = KEYS[1]
local busy_key_prefix = ARGV[1]
local assign_key_prefix = ARGV[2]
local eval_id = ARGV[3]
local ttl = tonumber(ARGV[4])

local url = redis.call('RPOP', avail_key)
if not url then
  return false
end
redis.call('SET', busy_key_prefix .. url, eval_id, 'EX', ttl)
redis.call('SET', assign_key_prefix .. eval_id, url, 'EX', ttl)
return url
`

func (s *redisAllocatorStore) Claim(ctx context.Context, evalID string, ttl time.Duration) (string, bool, error) {
	res, err := s.claimScript.Run(ctx, s.rdb, []string{keyAvailable},
		"executor:busy:", "assigner:", evalID, int64(ttl.Seconds())).Result()
	if err != nil {
		return "", false, fmt.Errorf("coordstore: claim: %w", err)
	}
	url, ok := res.(string)
	if !ok || url == "" {
		return "", false, nil
	}
	return url, true, nil
}

// releaseLua implements the four-step release exactly:
//  1. delete busy marker, record whether it existed
//  2. (done implicitly via LPOS below)
//  3. push iff existed AND not already present
//  4. return a code: 0 normal, 1 double-release, 2 unknown sandbox
const releaseLua = `
local avail_key = KEYS[1]
local pool_key = KEYS[2]
local busy_key = ARGV[1]
local assign_key = ARGV[2]
local url = ARGV[3]

local known = redis.call('SISMEMBER', pool_key, url)
if known == 0 then
  return 2
end

local existed = redis.call('EXISTS', busy_key)
if existed == 1 then
  redis.call('DEL', busy_key)
end
redis.call('DEL', assign_key)

local pos = redis.call('LPOS', avail_key, url)
local already_present = pos ~= false

if existed == 1 and not already_present then
  redis.call('RPUSH', avail_key, url)
  return 0
end
return 1
`

func (s *redisAllocatorStore) Release(ctx context.Context, url, evalID string) (ReleaseOutcome, error) {
	busyKey := fmt.Sprintf(keyBusyFmt, url)
	assignKey := fmt.Sprintf(keyAssignFmt, evalID)
	res, err := s.releaseScript.Run(ctx, s.rdb, []string{keyAvailable, keyPoolURLs}, busyKey, assignKey, url).Result()
	if err != nil {
		return ReleaseUnknown, fmt.Errorf("coordstore: release: %w", err)
	}
	code, ok := res.(int64)
	if !ok {
		return ReleaseUnknown, fmt.Errorf("coordstore: release: unexpected script result %T", res)
	}
	return ReleaseOutcome(code), nil
}

func (s *redisAllocatorStore) BusyEvalFor(ctx context.Context, url string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, fmt.Sprintf(keyBusyFmt, url)).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("coordstore: busy eval for: %w", err)
	}
	return v, true, nil
}

func (s *redisAllocatorStore) AssignedSandboxFor(ctx context.Context, evalID string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, fmt.Sprintf(keyAssignFmt, evalID)).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("coordstore: assigned sandbox for: %w", err)
	}
	return v, true, nil
}

func (s *redisAllocatorStore) ScanBusyMarkers(ctx context.Context) ([]string, error) {
	var urls []string
	iter := s.rdb.Scan(ctx, 0, "executor:busy:*", 200).Iterator()
	prefixLen := len("executor:busy:")
	for iter.Next(ctx) {
		key := iter.Val()
		if len(key) > prefixLen {
			urls = append(urls, key[prefixLen:])
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("coordstore: scan busy markers: %w", err)
	}
	return urls, nil
}

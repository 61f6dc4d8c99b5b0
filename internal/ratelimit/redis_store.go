package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"admission-service/internal/client"
)

// takeScript is the atomic prune-count-record pass. Everything the decision
// depends on happens inside one server-side script, so concurrent callers
// for the same key are serialized by Redis itself; a MULTI/EXEC pipeline
// would only batch round trips without preventing interleaving.
//
// KEYS[1] window sorted set
// ARGV[1] now in unix ms
// ARGV[2] window length in ms
// ARGV[3] max requests per window
// ARGV[4] member for the new entry
// Returns {recorded, count_after, oldest_score_ms}.
const takeScript = `
local window = KEYS[1]
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local max_requests = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', window, '-inf', now - window_ms)
local count = redis.call('ZCARD', window)

if count < max_requests then
	redis.call('ZADD', window, now, ARGV[4])
	redis.call('PEXPIRE', window, window_ms)
	local oldest = redis.call('ZRANGE', window, 0, 0, 'WITHSCORES')
	return {1, count + 1, oldest[2] or '0'}
end

local oldest = redis.call('ZRANGE', window, 0, 0, 'WITHSCORES')
return {0, count, oldest[2] or '0'}
`

// peekScript prunes and counts without recording an entry.
const peekScript = `
local window = KEYS[1]
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', window, '-inf', now - window_ms)
local count = redis.call('ZCARD', window)
local oldest = redis.call('ZRANGE', window, 0, 0, 'WITHSCORES')
return {count, oldest[2] or '0'}
`

// blockScript writes the block deadline only when it extends an existing
// one, so concurrent violators cannot shrink each other's block. Expiry is
// enforced by Redis via PXAT.
const blockScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local until_ms = tonumber(ARGV[1])
if until_ms > current then
	redis.call('SET', KEYS[1], until_ms, 'PXAT', until_ms)
end
return 1
`

// RedisStore is the shared counter store. All service instances observe one
// logical window per key.
type RedisStore struct {
	client *client.RedisClient
	prefix string

	take  *redis.Script
	peek  *redis.Script
	block *redis.Script
}

func NewRedisStore(rc *client.RedisClient, prefix string) *RedisStore {
	return &RedisStore{
		client: rc,
		prefix: prefix,
		take:   redis.NewScript(takeScript),
		peek:   redis.NewScript(peekScript),
		block:  redis.NewScript(blockScript),
	}
}

func (s *RedisStore) windowKey(key string) string {
	return s.prefix + ":win:" + key
}

func (s *RedisStore) blockKey(key string) string {
	return s.prefix + ":blk:" + key
}

func (s *RedisStore) Take(ctx context.Context, key string, p Policy, now time.Time) (Snapshot, error) {
	member := fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString())

	result, err := s.client.RunScript(ctx, s.take, []string{s.windowKey(key)},
		now.UnixMilli(), p.Window.Milliseconds(), p.MaxRequests, member)
	if err != nil {
		return Snapshot{}, fmt.Errorf("sliding window script failed: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return Snapshot{}, fmt.Errorf("unexpected sliding window script reply: %v", result)
	}

	recorded, _ := values[0].(int64)
	count, _ := values[1].(int64)

	return Snapshot{
		Allowed:  recorded == 1,
		Count:    int(count),
		OldestAt: scoreToTime(values[2]),
	}, nil
}

func (s *RedisStore) Peek(ctx context.Context, key string, p Policy, now time.Time) (Snapshot, error) {
	result, err := s.client.RunScript(ctx, s.peek, []string{s.windowKey(key)},
		now.UnixMilli(), p.Window.Milliseconds())
	if err != nil {
		return Snapshot{}, fmt.Errorf("window peek script failed: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return Snapshot{}, fmt.Errorf("unexpected window peek script reply: %v", result)
	}

	count, _ := values[0].(int64)

	return Snapshot{
		Count:    int(count),
		OldestAt: scoreToTime(values[1]),
	}, nil
}

func (s *RedisStore) Block(ctx context.Context, key string, until time.Time) error {
	_, err := s.client.RunScript(ctx, s.block, []string{s.blockKey(key)}, until.UnixMilli())
	if err != nil {
		return fmt.Errorf("block write failed: %w", err)
	}
	return nil
}

func (s *RedisStore) BlockedUntil(ctx context.Context, key string) (time.Time, error) {
	raw, found, err := s.client.Get(ctx, s.blockKey(key))
	if err != nil {
		return time.Time{}, fmt.Errorf("block read failed: %w", err)
	}
	if !found {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed block record %q: %w", raw, err)
	}
	return time.UnixMilli(ms), nil
}

func (s *RedisStore) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.windowKey(key), s.blockKey(key)); err != nil {
		return fmt.Errorf("clear failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

// scoreToTime decodes the oldest-entry score from a script reply. ZRANGE
// WITHSCORES yields strings; the scripts report an empty window as '0'.
func scoreToTime(v interface{}) time.Time {
	var ms int64
	switch value := v.(type) {
	case string:
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			ms = int64(f)
		}
	case int64:
		ms = value
	case float64:
		ms = int64(value)
	}
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

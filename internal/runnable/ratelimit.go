package runnable

import (
	"context"
	"fmt"
	"time"

	"github.com/buildqueue/queuerunner/internal/graph"
	"github.com/redis/go-redis/v9"
)

// RateLimitedSink wraps a Sink with a distributed per-platform token
// bucket, so a single burst of newly-runnable steps for one platform
// cannot flood the builder pool's dispatch path. Adapted from the teacher's
// internal/ratelimit token bucket: same Lua script and Redis hash layout,
// keyed here by step platform instead of an API caller id.
type RateLimitedSink struct {
	next     Sink
	client   *redis.Client
	capacity int
	refill   float64
	ttl      time.Duration
}

// NewRateLimitedSink wraps next with a token bucket of the given
// capacity and refill rate (tokens per second), keyed per platform.
func NewRateLimitedSink(next Sink, client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *RateLimitedSink {
	return &RateLimitedSink{next: next, client: client, capacity: capacity, refill: refillPerSecond, ttl: ttl}
}

func (s *RateLimitedSink) Publish(ctx context.Context, step *graph.Step) error {
	allowed, _, err := s.allow(ctx, "runnable:"+step.Derivation().Platform)
	if err != nil {
		return fmt.Errorf("rate limit check for %s: %w", step.DrvPath, err)
	}
	if !allowed {
		return fmt.Errorf("rate limit exceeded publishing %s", step.DrvPath)
	}
	return s.next.Publish(ctx, step)
}

func (s *RateLimitedSink) allow(ctx context.Context, key string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, s.client, []string{key}, s.capacity, s.refill, now, s.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, nil
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)

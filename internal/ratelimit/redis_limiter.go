package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// bucketTTL keeps idle buckets from accumulating in Redis.
const bucketTTL = 120

// tokenBucketScript refills and debits a bucket atomically. Returns
// {allowed, remaining, retry_after_seconds}.
var tokenBucketScript = redis.NewScript(`
local tokens, last = unpack(redis.call('HMGET', KEYS[1], 'tokens', 'last_refill'))
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

if tokens == false then
  tokens = capacity
  last = now
else
  tokens = tonumber(tokens)
  last = tonumber(last)
end

tokens = math.min(capacity, tokens + (now - last) * rate)

local allowed = 0
local retry = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry = math.ceil((1 - tokens) / rate)
end

redis.call('HMSET', KEYS[1], 'tokens', tokens, 'last_refill', now)
redis.call('EXPIRE', KEYS[1], ARGV[4])
return {allowed, math.floor(tokens), retry}
`)

// RedisLimiter shares buckets across API instances.
type RedisLimiter struct {
	rdb *redis.Client
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, category Category, limit Limit) (Decision, error) {
	bucketKey := fmt.Sprintf("rl:%s:%s", category, key)
	rate := float64(limit.PerMinute) / 60.0
	now := float64(time.Now().UnixMilli()) / 1000.0

	result, err := tokenBucketScript.Run(ctx, l.rdb, []string{bucketKey}, rate, limit.Burst, now, bucketTTL).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(result) != 3 {
		return Decision{}, fmt.Errorf("rate limit script returned %d values", len(result))
	}
	return Decision{
		Allowed:    result[0] == 1,
		Remaining:  int(result[1]),
		RetryAfter: time.Duration(result[2]) * time.Second,
	}, nil
}

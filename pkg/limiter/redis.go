package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the refill-and-consume step atomically so
// concurrent instances cannot double-spend a bucket.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, fractional)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

const redisKeyPrefix = "watchkeeper:rate:"

// Redis is a token bucket held in Redis, shared across instances.
type Redis struct {
	client *redis.Client
	rps    float64
	burst  int
}

// NewRedis wraps an existing client. rps below 1/60 is clamped so a
// misconfigured budget cannot freeze every caller out.
func NewRedis(client *redis.Client, rps float64, burst int) *Redis {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Redis{client: client, rps: rps, burst: burst}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, r.client,
		[]string{redisKeyPrefix + key}, r.rps, r.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("limiter: redis: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("limiter: redis: unexpected script result %T", res)
	}
	return allowed == 1, nil
}

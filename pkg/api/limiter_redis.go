package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix time in seconds, microsecond precision
var redisTokenBucketScript = redis.NewScript(`
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
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiterStore shares buckets between API replicas.
type RedisLimiterStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLimiterStore creates a store over client.
func NewRedisLimiterStore(client redis.UniversalClient) *RedisLimiterStore {
	return &RedisLimiterStore{client: client, prefix: "paycore:limiter:"}
}

// Ping checks the connection.
func (s *RedisLimiterStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Allow implements LimiterStore.
func (s *RedisLimiterStore) Allow(ctx context.Context, key string, policy RatePolicy, cost int) (bool, error) {
	rps := policy.RPS
	if rps <= 0 {
		rps = 1
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	allowed, err := redisTokenBucketScript.Run(ctx, s.client, []string{s.prefix + key}, rps, policy.Burst, cost, now).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	return allowed == 1, nil
}

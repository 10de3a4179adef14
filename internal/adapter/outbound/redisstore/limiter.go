// Package redisstore implements the rate limiter port on Redis so that
// multiple gateway instances share one sliding window per identifier.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sark-gateway/sark/internal/domain/ratelimit"
)

// slidingWindowScript counts and admits atomically in Redis.
// KEYS[1] = window key ("sark:rl:<identifier>")
// ARGV[1] = window length in milliseconds
// ARGV[2] = max requests per window
// ARGV[3] = current unix time in milliseconds
// ARGV[4] = member id for this request
// Returns {allowed, count, oldest_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)

local count = redis.call("ZCARD", key)
local allowed = 0
if count < max then
    redis.call("ZADD", key, now, member)
    allowed = 1
    count = count + 1
end
redis.call("PEXPIRE", key, window)

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local oldest_ms = now
if oldest[2] then
    oldest_ms = tonumber(oldest[2])
end

return {allowed, count, oldest_ms}
`)

// Limiter is a Redis-backed sliding-window limiter.
type Limiter struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewLimiter wraps an existing Redis client.
func NewLimiter(client redis.UniversalClient) *Limiter {
	return &Limiter{client: client, now: time.Now}
}

// Check implements ratelimit.Limiter. Backing-store errors are returned to
// the caller, which fails open per the limiter contract.
func (l *Limiter) Check(ctx context.Context, identifier string, limit ratelimit.Limit) (ratelimit.Info, error) {
	if limit.Max <= 0 {
		return ratelimit.Unlimited(), nil
	}
	if limit.Window <= 0 {
		limit.Window = ratelimit.DefaultWindow
	}

	now := l.now()
	// Nanosecond stamp plus a uuid keeps members unique under concurrency.
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())
	key := "sark:rl:" + identifier

	res, err := slidingWindowScript.Run(ctx, l.client, []string{key},
		limit.Window.Milliseconds(), limit.Max, now.UnixMilli(), member).Result()
	if err != nil {
		return ratelimit.Info{}, fmt.Errorf("redis limiter: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return ratelimit.Info{}, fmt.Errorf("redis limiter: unexpected script result %T", res)
	}

	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	oldestMS, _ := vals[2].(int64)

	reset := time.UnixMilli(oldestMS).Add(limit.Window)
	info := ratelimit.Info{
		Allowed:   allowed == 1,
		Limit:     limit.Max,
		Remaining: limit.Max - int(count),
		ResetAt:   reset.Unix(),
	}
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	if !info.Allowed {
		info.RetryAfter = reset.Sub(now)
		if info.RetryAfter < 0 {
			info.RetryAfter = 0
		}
	}
	return info, nil
}

var _ ratelimit.Limiter = (*Limiter)(nil)

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Sliding window over a sorted set scored in unix milliseconds. The trim,
// count and add run in one script so concurrent callers cannot overshoot.
const slidingWindowLua = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count >= limit then
    local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
    local wait = window
    if oldest[2] then
        wait = tonumber(oldest[2]) + window - now
    end
    return {0, wait}
end

redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, window)
return {1, 0}
`

// Redis is a Limiter shared by every engine instance pointing at the same server.
type Redis struct {
	client *redis.Client
	script *redis.Script
	prefix string
	now    func() time.Time
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client: client,
		script: redis.NewScript(slidingWindowLua),
		prefix: "ratelimit:send:",
		now:    time.Now,
	}
}

// NewRedisFromURL connects and pings before returning.
func NewRedisFromURL(ctx context.Context, redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedis(client), nil
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Reserve(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	if limit <= 0 {
		return true, 0, nil
	}
	res, err := r.script.Run(ctx, r.client, []string{r.prefix + key},
		r.now().UnixMilli(), window.Milliseconds(), limit, uuid.NewString()).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}
	allowed, _ := res[0].(int64)
	waitMs, _ := res[1].(int64)
	return allowed == 1, time.Duration(waitMs) * time.Millisecond, nil
}

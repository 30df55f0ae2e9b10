package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowLua counts one request against KEYS[1] with limit ARGV[1] and a
// window of ARGV[2] milliseconds. Denied requests do not touch the counter.
// Returns {allowed, count, pttl}.
const fixedWindowLua = `
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local current = redis.call("GET", KEYS[1])
if not current then
	redis.call("SET", KEYS[1], 1, "PX", window)
	return {1, 1, window}
end

local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], window)
	ttl = window
end

current = tonumber(current)
if current >= limit then
	return {0, current, ttl}
end

current = redis.call("INCR", KEYS[1])
return {1, current, ttl}
`

// RedisLimiter runs the fixed-window admission inside Redis so several
// processes can share one quota. Windows expire through key TTLs.
type RedisLimiter struct {
	client redis.UniversalClient
	script *redis.Script
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a limiter that stores windows under prefix.
func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		script: redis.NewScript(fixedWindowLua),
		prefix: prefix,
		now:    time.Now,
	}
}

// Admit counts one request for key against p.
func (r *RedisLimiter) Admit(ctx context.Context, key string, p Policy) (Decision, error) {
	res, err := r.script.Run(ctx, r.client, []string{r.prefix + key}, p.Limit, p.Window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis admit %q: %w", key, err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected redis reply %T", res)
	}

	allowed, _ := arr[0].(int64)
	count, _ := arr[1].(int64)
	ttl, _ := arr[2].(int64)

	remaining := p.Limit - int(count)
	if remaining < 0 || allowed != 1 {
		remaining = 0
	}

	return Decision{
		Allowed:   allowed == 1,
		Limit:     p.Limit,
		Remaining: remaining,
		ResetAt:   r.now().Add(time.Duration(ttl) * time.Millisecond),
	}, nil
}

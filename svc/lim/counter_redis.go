package lim

import (
	"context"
	"time"

	"snaplink/svc/db"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var windowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local v = redis.call("HMGET", KEYS[1], "count", "window_end")
local count = tonumber(v[1])
local window_end = tonumber(v[2])
if count == nil or window_end == nil or window_end < now then
	count = 1
	window_end = now + window
else
	count = count + 1
end
if count > limit then
	return {count - 1, window_end, 0}
end
redis.call("HSET", KEYS[1], "count", count, "window_end", window_end)
redis.call("PEXPIRE", KEYS[1], window_end - now + 1000)
return {count, window_end, 1}
`)

// RedisCounter shares windows across instances. The whole step runs as one
// script so concurrent callers never lose an increment.
type RedisCounter struct {
	rdb *db.Redis
}

func NewRedisCounter(rdb *db.Redis) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

func (r *RedisCounter) Name() string { return "redis" }

func (r *RedisCounter) Step(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.rdb.Timeout())
	defer cancel()
	res, err := windowScript.Run(ctx, r.rdb.Client(), []string{"snaplink:" + key},
		now.UnixMilli(), window.Milliseconds(), limit).Int64Slice()
	if err != nil {
		return Decision{}, errors.Wrap(err, "rate limit lua")
	}
	if len(res) != 3 {
		return Decision{}, errors.Errorf("rate limit lua: unexpected reply %v", res)
	}
	return Decision{
		Allowed:   res[2] == 1,
		Count:     int(res[0]),
		WindowEnd: time.UnixMilli(res[1]),
	}, nil
}

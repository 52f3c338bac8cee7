package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/wayfare/internal/catalog"
	usagedomain "github.com/smallbiznis/wayfare/internal/usage/domain"
)

const keyUsageCounter = "wayfare:usage:%s:%s"

const consumeScript = `
local start = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local data = redis.call("HMGET", KEYS[1], "count", "window_start")
local count = tonumber(data[1])
local stored = tonumber(data[2])

if count == nil or stored == nil or stored < start then
  count = 0
  stored = start
  redis.call("HSET", KEYS[1], "count", 0, "window_start", start)
end

local allowed = 0
if limit < 0 or count < limit then
  count = redis.call("HINCRBY", KEYS[1], "count", 1)
  allowed = 1
end

redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, count, stored}
`

// RedisCounter keeps strict counters in redis hashes and consumes them with one script call.
type RedisCounter struct {
	client redis.UniversalClient
	script *redis.Script
}

func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	if client == nil {
		return nil
	}
	return &RedisCounter{client: client, script: redis.NewScript(consumeScript)}
}

func (r *RedisCounter) Consume(ctx context.Context, userID string, feature catalog.Feature, limit catalog.Limit, windowStart time.Time) (usagedomain.Counter, bool, error) {
	if r == nil || r.client == nil {
		return usagedomain.Counter{}, false, errors.New("redis counter not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return usagedomain.Counter{}, false, usagedomain.ErrInvalidUserID
	}

	res, err := r.script.Run(
		ctx,
		r.client,
		[]string{CounterKey(userID, feature)},
		windowStart.UnixMilli(),
		scriptLimit(limit),
		counterTTL(usagedomain.WindowOf(feature)).Milliseconds(),
	).Slice()
	if err != nil {
		return usagedomain.Counter{}, false, err
	}
	if len(res) < 3 {
		return usagedomain.Counter{}, false, errors.New("invalid consume script response")
	}

	allowed := toInt64(res[0]) == 1
	count := toInt64(res[1])
	if count < 0 {
		count = 0
	}
	return usagedomain.Counter{
		Count:       uint32(count),
		WindowStart: time.UnixMilli(toInt64(res[2])).UTC(),
	}, allowed, nil
}

// CounterKey names the hash holding one user's counter for feature.
func CounterKey(userID string, feature catalog.Feature) string {
	return fmt.Sprintf(keyUsageCounter, strings.TrimSpace(userID), feature)
}

func scriptLimit(limit catalog.Limit) int64 {
	if limit.IsUnlimited() {
		return -1
	}
	return int64(limit.Value())
}

// counterTTL keeps a hash alive for two windows so a late reader still sees the last one.
func counterTTL(w usagedomain.Window) time.Duration {
	switch w {
	case usagedomain.WindowMonthly:
		return 62 * 24 * time.Hour
	default:
		return 48 * time.Hour
	}
}

func toInt64(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}

var _ usagedomain.AtomicCounter = (*RedisCounter)(nil)

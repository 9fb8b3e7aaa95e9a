// Package ratelimit implements the multi-tier admission guard and its
// Redis-backed counter store. Reservations and counter bumps are atomic on
// the store side via scripted evaluation; there is no lossy fallback path.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithLimitScript atomically increments a counter unless the result
// would exceed the limit. ARGV: delta, limit (0 = unlimited), ttl-ms.
const incrWithLimitScript = `
local delta = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local current = redis.call('INCRBY', KEYS[1], delta)
if limit > 0 and current > limit then
  redis.call('DECRBY', KEYS[1], delta)
  return {current - delta, 0}
end
if current == delta and ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {current, 1}
`

// reserveScript tracks live reservations in a sorted set scored by expiry,
// so each member carries its own TTL and crashed holders age out.
// ARGV: now-ms, ttl-ms, limit (0 = unlimited), member.
const reserveScript = `
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now)
if redis.call('ZSCORE', KEYS[1], member) then
  redis.call('ZADD', KEYS[1], now + ttl, member)
  return {redis.call('ZCARD', KEYS[1]), 1}
end
local count = redis.call('ZCARD', KEYS[1])
if limit > 0 and count >= limit then
  return {count, 0}
end
redis.call('ZADD', KEYS[1], now + ttl, member)
redis.call('PEXPIRE', KEYS[1], ttl)
return {count + 1, 1}
`

// RedisStore implements ports.RateLimitStore on go-redis
type RedisStore struct {
	client  redis.UniversalClient
	incr    *redis.Script
	reserve *redis.Script
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client:  client,
		incr:    redis.NewScript(incrWithLimitScript),
		reserve: redis.NewScript(reserveScript),
	}
}

func (s *RedisStore) IncrWithLimit(ctx context.Context, key string, delta, limit int64, ttl time.Duration) (int64, bool, error) {
	res, err := s.incr.Run(ctx, s.client, []string{key},
		delta, limit, ttl.Milliseconds()).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("ratelimit incr %s: %w", key, err)
	}
	current, ok, err := parsePair(res)
	if err != nil {
		return 0, false, fmt.Errorf("ratelimit incr %s: %w", key, err)
	}
	return current, ok, nil
}

func (s *RedisStore) Reserve(ctx context.Context, setKey, member string, limit int64, ttl time.Duration) (bool, int64, error) {
	now := time.Now().UnixMilli()
	res, err := s.reserve.Run(ctx, s.client, []string{setKey},
		now, ttl.Milliseconds(), limit, member).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit reserve %s: %w", setKey, err)
	}
	count, ok, err := parsePair(res)
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit reserve %s: %w", setKey, err)
	}
	return ok, count, nil
}

func (s *RedisStore) Release(ctx context.Context, setKey, member string) error {
	if err := s.client.ZRem(ctx, setKey, member).Err(); err != nil {
		return fmt.Errorf("ratelimit release %s: %w", setKey, err)
	}
	return nil
}

func (s *RedisStore) GetFloat(ctx context.Context, key string) (float64, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit get %s: %w", key, err)
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("ratelimit get %s: malformed value %q", key, val)
	}
	return f, nil
}

func parsePair(res []interface{}) (int64, bool, error) {
	if len(res) != 2 {
		return 0, false, fmt.Errorf("script returned %d values", len(res))
	}
	current, err := toInt64(res[0])
	if err != nil {
		return 0, false, err
	}
	admitted, err := toInt64(res[1])
	if err != nil {
		return 0, false, err
	}
	return current, admitted == 1, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected script value %T", v)
	}
}

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultBucketTTL expires idle bucket hashes.
const DefaultBucketTTL = 24 * time.Hour

// Token counts travel as strings: Lua truncates numbers to integers when
// converting them to Redis replies.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "last_update")
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = capacity
  last = now
end

local elapsed = now - last
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "last_update", ARGV[4])
redis.call("EXPIRE", KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

var peekScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", KEYS[1], "tokens", "last_update")
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  return tostring(capacity)
end

local elapsed = now - last
if elapsed < 0 then
  elapsed = 0
end
return tostring(math.min(capacity, tokens + elapsed * rate))
`)

var spacingScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local last = redis.call("GET", KEYS[1])
if last and (now - tonumber(last)) < interval then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1
`)

// RedisBucket stores each bucket as a hash {tokens, last_update} and
// updates it in a single script call.
type RedisBucket struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisBucket creates a bucket set under "<prefix>:bucket:".
func NewRedisBucket(client redis.UniversalClient, prefix string) *RedisBucket {
	if prefix == "" {
		prefix = "signoff"
	}
	return &RedisBucket{
		client: client,
		prefix: prefix,
		ttl:    DefaultBucketTTL,
		now:    time.Now,
	}
}

// SetClock overrides the time source passed to the script.
func (b *RedisBucket) SetClock(now func() time.Time) {
	b.now = now
}

func (b *RedisBucket) key(key string) string { return b.prefix + ":bucket:" + key }

func (b *RedisBucket) TryTake(ctx context.Context, key string, capacity, refillPerSec, cost float64) (bool, error) {
	if err := checkArgs(capacity, refillPerSec, cost); err != nil {
		return false, err
	}
	res, err := takeScript.Run(ctx, b.client, []string{b.key(key)},
		formatFloat(capacity),
		formatFloat(refillPerSec),
		formatFloat(cost),
		unixSeconds(b.now()),
		int64(b.ttl/time.Second),
	).Slice()
	if err != nil {
		return false, fmt.Errorf("take from bucket %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, fmt.Errorf("take from bucket %s: unexpected reply %v", key, res)
	}
	allowed, _ := res[0].(int64)
	return allowed == 1, nil
}

func (b *RedisBucket) Peek(ctx context.Context, key string, capacity, refillPerSec float64) (float64, error) {
	if err := checkArgs(capacity, refillPerSec, 0); err != nil {
		return 0, err
	}
	raw, err := peekScript.Run(ctx, b.client, []string{b.key(key)},
		formatFloat(capacity),
		formatFloat(refillPerSec),
		unixSeconds(b.now()),
	).Text()
	if err != nil {
		return 0, fmt.Errorf("peek bucket %s: %w", key, err)
	}
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("peek bucket %s: parse %q: %w", key, raw, err)
	}
	return tokens, nil
}

// RedisSpacing keeps the last admitted instant per key with a TTL of
// twice the interval.
type RedisSpacing struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisSpacing creates a spacing gate under "<prefix>:spacing:".
func NewRedisSpacing(client redis.UniversalClient, prefix string) *RedisSpacing {
	if prefix == "" {
		prefix = "signoff"
	}
	return &RedisSpacing{client: client, prefix: prefix, now: time.Now}
}

// SetClock overrides the time source passed to the script.
func (s *RedisSpacing) SetClock(now func() time.Time) {
	s.now = now
}

func (s *RedisSpacing) Allow(ctx context.Context, key string, minInterval time.Duration) (bool, error) {
	ttl := 2 * minInterval
	if ttl < time.Second {
		ttl = time.Second
	}
	n, err := spacingScript.Run(ctx, s.client, []string{s.prefix + ":spacing:" + key},
		unixSeconds(s.now()),
		formatFloat(minInterval.Seconds()),
		ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("spacing check %s: %w", key, err)
	}
	return n == 1, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func unixSeconds(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', 6, 64)
}

var (
	_ Bucket  = (*RedisBucket)(nil)
	_ Spacing = (*RedisSpacing)(nil)
)

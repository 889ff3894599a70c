package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBucket is a Limiter backed by shared token buckets in Redis, for
// deployments running more than one instance against the same external
// quotas. The refill-and-take step runs as a single Lua script so
// concurrent instances never double-spend a token.
type RedisBucket struct {
	client  *redis.Client
	configs map[string]BucketConfig
	prefix  string
	ttl     time.Duration
}

// takeScript atomically refills a bucket from its elapsed time and takes
// the requested tokens if available. Returns {allowed, tokens, waitMs}.
var takeScript = redis.NewScript(`
local max = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local need = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local data = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil or ts == nil then
  tokens = max
  ts = now
end

local elapsed = (now - ts) / 1000.0
if elapsed > 0 then
  tokens = math.min(max, tokens + elapsed * rate)
end

local allowed = 0
local wait = 0
if tokens >= need then
  tokens = tokens - need
  allowed = 1
elseif rate > 0 then
  wait = math.ceil(((need - tokens) / rate) * 1000)
end

redis.call('HMSET', KEYS[1], 'tokens', tokens, 'ts', now)
redis.call('EXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens), wait}
`)

// NewRedisBucket builds a Redis-backed limiter over the same name->config
// map as the in-memory TokenBucket. Idle buckets expire server-side via
// the key TTL, so no sweeper goroutine is needed.
func NewRedisBucket(client *redis.Client, configs map[string]BucketConfig) *RedisBucket {
	return &RedisBucket{
		client:  client,
		configs: configs,
		prefix:  "ratelimit:",
		ttl:     30 * time.Minute,
	}
}

func (r *RedisBucket) Allow(ctx context.Context, key string, n int) (bool, time.Duration, error) {
	cfg, ok := r.configs[key]
	if !ok || !cfg.Enabled {
		return true, 0, nil
	}

	res, err := takeScript.Run(ctx, r.client, []string{r.prefix + key},
		cfg.MaxTokens,
		cfg.RefillPerSec,
		time.Now().UnixMilli(),
		n,
		int(r.ttl.Seconds()),
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 3 {
		return false, 0, fmt.Errorf("rate limit script returned %d values, want 3", len(res))
	}

	allowed, _ := res[0].(int64)
	waitMs, _ := res[2].(int64)
	return allowed == 1, time.Duration(waitMs) * time.Millisecond, nil
}

// Stats reports the bucket's last-known token count. Allowed/denied
// counters are not tracked server-side; they stay zero here.
func (r *RedisBucket) Stats(key string) BucketStats {
	cfg := r.configs[key]
	stats := BucketStats{Key: key, MaxTokens: cfg.MaxTokens, Tokens: float64(cfg.MaxTokens)}

	data, err := r.client.HMGet(context.Background(), r.prefix+key, "tokens", "ts").Result()
	if err != nil || len(data) != 2 {
		return stats
	}
	if raw, ok := data[0].(string); ok {
		if tokens, err := strconv.ParseFloat(raw, 64); err == nil {
			stats.Tokens = tokens
		}
	}
	if raw, ok := data[1].(string); ok {
		if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
			stats.LastRefillUnix = ts / 1000
		}
	}
	return stats
}

func (r *RedisBucket) Close() error {
	return r.client.Close()
}

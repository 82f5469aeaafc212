// Package redis provides the shared rate-limit bucket store used when many
// worker processes coordinate through one Redis instance.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arenalab/collection-core/internal/ratelimit"
)

// Config holds Redis connection configuration.
type Config struct {
	Address  string
	Password string
	DB       int
	// KeyPrefix namespaces bucket keys (default "ratelimit").
	KeyPrefix string
}

const connectionTimeout = 5 * time.Second

// takeScript implements the token bucket as one atomic server-side step:
// cooldown check, hard floor, refill, and consume. It returns {1, 0} when a
// token was taken and {0, wait_ms} otherwise.
//
// KEYS[1] bucket hash (tokens, ts, last_take)
// KEYS[2] cooldown key (expires at the cooldown deadline)
// KEYS[3] tightened-rate key (expires at the reported reset)
// ARGV: now_ms, rps, burst, min_interval_ms
var takeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local rps = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local floor_ms = tonumber(ARGV[4])

local cd = redis.call('PTTL', KEYS[2])
if cd > 0 then
	return {0, cd}
end

local tight = redis.call('GET', KEYS[3])
if tight then
	local t = tonumber(tight)
	if t < rps then
		rps = t
	end
end
if rps <= 0 then
	rps = 0.001
end

local b = redis.call('HMGET', KEYS[1], 'tokens', 'ts', 'last_take')
local tokens = tonumber(b[1])
local ts = tonumber(b[2])
local last_take = tonumber(b[3])
if tokens == nil then
	tokens = burst
	ts = now
end

if last_take ~= nil and floor_ms > 0 then
	local since = now - last_take
	if since < floor_ms then
		return {0, floor_ms - since}
	end
end

local elapsed = (now - ts) / 1000.0
tokens = math.min(burst, tokens + elapsed * rps)
if tokens < 1 then
	local wait = math.ceil((1 - tokens) / rps * 1000)
	redis.call('HMSET', KEYS[1], 'tokens', tokens, 'ts', now)
	redis.call('PEXPIRE', KEYS[1], 3600000)
	return {0, wait}
end

tokens = tokens - 1
redis.call('HMSET', KEYS[1], 'tokens', tokens, 'ts', now, 'last_take', now)
redis.call('PEXPIRE', KEYS[1], 3600000)
return {1, 0}
`)

// tightenScript records a server-reported rate only when it is stricter than
// the one already in force for the window.
//
// KEYS[1] tightened-rate key
// ARGV: reported_rps, ttl_ms
var tightenScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local reported = tonumber(ARGV[1])
if cur and tonumber(cur) <= reported then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// Store implements ratelimit.BucketStore on Redis.
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore connects and pings a Redis-backed bucket store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewStoreWithClient wraps an existing client (primarily for testing).
func NewStoreWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Store{client: client, prefix: prefix}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func (s *Store) keys(key string) []string {
	return []string{
		s.prefix + ":bucket:" + key,
		s.prefix + ":cooldown:" + key,
		s.prefix + ":tight:" + key,
	}
}

// Take runs the atomic token-bucket script.
func (s *Store) Take(ctx context.Context, key string, cfg ratelimit.ProviderConfig, now time.Time) (bool, time.Duration, error) {
	res, err := takeScript.Run(ctx, s.client, s.keys(key),
		now.UnixMilli(), cfg.RPS, cfg.Burst, cfg.MinInterval.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("run take script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected take script result: %v", res)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(res[1]) * time.Millisecond, nil
}

// SetCooldown closes the gate until the deadline. The key's TTL carries the
// deadline, and a later one in force is never shortened.
func (s *Store) SetCooldown(ctx context.Context, key string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	cooldownKey := s.prefix + ":cooldown:" + key
	cur, err := s.client.PTTL(ctx, cooldownKey).Result()
	if err != nil {
		return fmt.Errorf("read cooldown ttl: %w", err)
	}
	if cur > 0 && cur >= ttl {
		return nil
	}
	if err := s.client.Set(ctx, cooldownKey, 1, ttl).Err(); err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	return nil
}

// Tighten records the server-reported budget when stricter than the current
// one; it expires with the reported window.
func (s *Store) Tighten(ctx context.Context, key string, remaining int64, resetAt, now time.Time) error {
	window := resetAt.Sub(now)
	if window <= 0 {
		return nil
	}
	if remaining == 0 {
		return s.SetCooldown(ctx, key, resetAt)
	}
	reported := float64(remaining) / window.Seconds()
	err := tightenScript.Run(ctx, s.client,
		[]string{s.prefix + ":tight:" + key},
		reported, window.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("run tighten script: %w", err)
	}
	return nil
}

package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryStore keeps bucket state in process memory. Suitable for a single
// worker; multi-process deployments use the redis store.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter *rate.Limiter
	// baseRPS is the configured fallback the bucket returns to once a
	// tightened window expires.
	baseRPS       float64
	cooldownUntil time.Time
	tightenedRPS  float64
	tightenedTill time.Time
	lastTake      time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket)}
}

func (s *MemoryStore) bucketFor(key string, cfg ProviderConfig) *bucket {
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
			baseRPS: cfg.RPS,
		}
		s.buckets[key] = b
	}
	return b
}

// Take consumes one token when the bucket, its cooldown, and the hard floor
// all allow it. It is one critical section: concurrent callers never pass the
// same token.
func (s *MemoryStore) Take(_ context.Context, key string, cfg ProviderConfig, now time.Time) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.bucketFor(key, cfg)
	if b.baseRPS != cfg.RPS {
		b.baseRPS = cfg.RPS
		if b.tightenedRPS == 0 {
			b.limiter.SetLimitAt(now, rate.Limit(cfg.RPS))
		}
	}

	if now.Before(b.cooldownUntil) {
		return false, b.cooldownUntil.Sub(now), nil
	}
	if b.tightenedRPS > 0 && !now.Before(b.tightenedTill) {
		// Tightened window elapsed: return to the configured fallback.
		b.limiter.SetLimitAt(now, rate.Limit(b.baseRPS))
		b.tightenedRPS = 0
	}
	if cfg.MinInterval > 0 && !b.lastTake.IsZero() {
		if since := now.Sub(b.lastTake); since < cfg.MinInterval {
			return false, cfg.MinInterval - since, nil
		}
	}

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second, nil
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay, nil
	}
	b.lastTake = now
	return true, 0, nil
}

// SetCooldown closes the gate until the deadline, never shortening one
// already in force.
func (s *MemoryStore) SetCooldown(_ context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucketFor(key, ProviderConfig{}.withDefaults())
	if until.After(b.cooldownUntil) {
		b.cooldownUntil = until
	}
	return nil
}

// Tighten slows the bucket to the server-reported remaining/reset budget when
// that budget is stricter than the current limit. Favorable readings are
// ignored so stale responses cannot oscillate the bucket open.
func (s *MemoryStore) Tighten(_ context.Context, key string, remaining int64, resetAt, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.bucketFor(key, ProviderConfig{}.withDefaults())
	window := resetAt.Sub(now)
	if window <= 0 {
		return nil
	}
	if remaining == 0 {
		if resetAt.After(b.cooldownUntil) {
			b.cooldownUntil = resetAt
		}
		return nil
	}
	reported := float64(remaining) / window.Seconds()
	current := float64(b.limiter.Limit())
	if reported >= current {
		return nil
	}
	b.limiter.SetLimitAt(now, rate.Limit(reported))
	b.tightenedRPS = reported
	b.tightenedTill = resetAt
	return nil
}

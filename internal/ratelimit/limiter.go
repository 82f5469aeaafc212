// Package ratelimit gates outbound provider calls behind provider-keyed
// token buckets with live server feedback.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arenalab/collection-core/internal/arena"
	"github.com/arenalab/collection-core/internal/metrics"
)

// ProviderConfig declares the static pacing knobs for one provider key.
type ProviderConfig struct {
	// RPS is the fallback request rate used before any live feedback.
	RPS float64
	// Burst tokens available at once.
	Burst int
	// MinInterval is the hard floor: the limiter never permits calls closer
	// together than this, regardless of feedback.
	MinInterval time.Duration
}

func (c ProviderConfig) withDefaults() ProviderConfig {
	if c.RPS <= 0 {
		c.RPS = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// BucketStore holds per-key bucket state. Implementations must make Take a
// single atomic check-and-consume; the memory store serves one process, the
// redis store many.
type BucketStore interface {
	// Take consumes one slot for key if available. When not available it
	// returns the wait before the next attempt.
	Take(ctx context.Context, key string, cfg ProviderConfig, now time.Time) (bool, time.Duration, error)
	// SetCooldown imposes an external deadline learned from Retry-After or
	// a flood-wait signal. A later existing deadline is never shortened.
	SetCooldown(ctx context.Context, key string, until time.Time) error
	// Tighten reconciles a server-reported remaining/reset pair. The
	// reconciliation is monotonic: it only ever slows the bucket within the
	// reported window, never speeds it up.
	Tighten(ctx context.Context, key string, remaining int64, resetAt, now time.Time) error
}

// Config controls Limiter behavior.
type Config struct {
	// SlotTimeout bounds AcquireSlot; expiry fails with ErrRateLimitTimeout.
	SlotTimeout time.Duration
	// Default applies to provider keys without explicit configuration.
	Default ProviderConfig
	// Providers maps provider keys to their declared pacing.
	Providers map[string]ProviderConfig
}

// Limiter is constructed once at process start and injected wherever calls
// leave the process.
type Limiter struct {
	store  BucketStore
	cfg    Config
	clock  arena.Clock
	logger *zap.Logger
}

// New creates a Limiter over the given bucket store.
func New(store BucketStore, clock arena.Clock, cfg Config, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SlotTimeout <= 0 {
		cfg.SlotTimeout = 30 * time.Second
	}
	cfg.Default = cfg.Default.withDefaults()
	return &Limiter{
		store:  store,
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
}

func (l *Limiter) providerConfig(key string) ProviderConfig {
	if cfg, ok := l.cfg.Providers[key]; ok {
		return cfg.withDefaults()
	}
	return l.cfg.Default
}

// AcquireSlot blocks until a token is available for the provider key or the
// slot timeout elapses. The timeout failure is distinct from the provider
// actually rejecting a call.
func (l *Limiter) AcquireSlot(ctx context.Context, key string) error {
	cfg := l.providerConfig(key)
	start := l.clock.Now()
	deadline := start.Add(l.cfg.SlotTimeout)

	for {
		now := l.clock.Now()
		ok, wait, err := l.store.Take(ctx, key, cfg, now)
		if err != nil {
			return fmt.Errorf("rate limit take %s: %w", key, err)
		}
		if ok {
			if delay := now.Sub(start); delay > time.Millisecond {
				metrics.ObserveRateLimitDelay(key, delay)
			}
			return nil
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		if now.Add(wait).After(deadline) {
			metrics.ObserveRateLimitDelay(key, now.Sub(start))
			return arena.ErrRateLimitTimeout
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire slot %s: %w", key, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// ObserveRetryAfter records an authoritative provider wait (HTTP 429
// Retry-After, flood-wait). The gate stays closed until the deadline.
func (l *Limiter) ObserveRetryAfter(ctx context.Context, key string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	until := l.clock.Now().Add(d)
	l.logger.Info("provider cooldown observed",
		zap.String("provider", key),
		zap.Duration("retry_after", d),
	)
	if err := l.store.SetCooldown(ctx, key, until); err != nil {
		return fmt.Errorf("set rate cooldown %s: %w", key, err)
	}
	return nil
}

// ObserveHeaders reconciles X-RateLimit style feedback. A lower-than-expected
// remaining tightens the bucket; a favorable reading never loosens it.
func (l *Limiter) ObserveHeaders(ctx context.Context, key string, remaining int64, resetAt time.Time) error {
	now := l.clock.Now()
	if !resetAt.After(now) || remaining < 0 {
		return nil
	}
	if err := l.store.Tighten(ctx, key, remaining, resetAt, now); err != nil {
		return fmt.Errorf("tighten bucket %s: %w", key, err)
	}
	return nil
}

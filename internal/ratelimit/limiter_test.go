package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arenalab/collection-core/internal/arena"
	"github.com/arenalab/collection-core/internal/clock/system"
)

func newTestLimiter(cfg Config) *Limiter {
	return New(NewMemoryStore(), system.New(), cfg, zap.NewNop())
}

func TestAcquireSlotRespectsConfiguredRate(t *testing.T) {
	t.Parallel()

	lim := newTestLimiter(Config{
		SlotTimeout: 2 * time.Second,
		Default:     ProviderConfig{RPS: 100, Burst: 1},
	})

	ctx := context.Background()
	start := time.Now()
	const calls = 6
	for i := 0; i < calls; i++ {
		require.NoError(t, lim.AcquireSlot(ctx, "reddit"))
	}
	elapsed := time.Since(start)

	// With burst 1 at 100 rps, six calls need at least ~50ms of spacing.
	require.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
}

func TestAcquireSlotTimesOutDistinctly(t *testing.T) {
	t.Parallel()

	lim := newTestLimiter(Config{
		SlotTimeout: 30 * time.Millisecond,
		Default:     ProviderConfig{RPS: 0.1, Burst: 1},
	})

	ctx := context.Background()
	require.NoError(t, lim.AcquireSlot(ctx, "tiktok"))
	err := lim.AcquireSlot(ctx, "tiktok")
	require.ErrorIs(t, err, arena.ErrRateLimitTimeout)
}

func TestAcquireSlotHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	lim := newTestLimiter(Config{
		SlotTimeout: 30 * time.Second,
		Default:     ProviderConfig{RPS: 1, Burst: 1},
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, lim.AcquireSlot(ctx, "x"))

	done := make(chan error, 1)
	go func() {
		done <- lim.AcquireSlot(ctx, "x")
	}()
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("acquire did not observe cancellation")
	}
}

func TestObserveRetryAfterClosesGate(t *testing.T) {
	t.Parallel()

	lim := newTestLimiter(Config{
		SlotTimeout: 40 * time.Millisecond,
		Default:     ProviderConfig{RPS: 1000, Burst: 10},
	})

	ctx := context.Background()
	require.NoError(t, lim.AcquireSlot(ctx, "telegram"))
	require.NoError(t, lim.ObserveRetryAfter(ctx, "telegram", 200*time.Millisecond))

	err := lim.AcquireSlot(ctx, "telegram")
	require.ErrorIs(t, err, arena.ErrRateLimitTimeout)
}

func TestPerKeyIsolation(t *testing.T) {
	t.Parallel()

	lim := newTestLimiter(Config{
		SlotTimeout: 40 * time.Millisecond,
		Default:     ProviderConfig{RPS: 1000, Burst: 10},
	})

	ctx := context.Background()
	require.NoError(t, lim.ObserveRetryAfter(ctx, "slow", time.Minute))
	require.ErrorIs(t, lim.AcquireSlot(ctx, "slow"), arena.ErrRateLimitTimeout)
	require.NoError(t, lim.AcquireSlot(ctx, "fast"))
}

func TestTightenIsMonotonic(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	now := time.Unix(1000, 0)
	cfg := ProviderConfig{RPS: 10, Burst: 1}
	ctx := context.Background()

	ok, _, err := store.Take(ctx, "k", cfg, now)
	require.NoError(t, err)
	require.True(t, ok)

	// Server reports only 1 remaining over the next 10s: far stricter than
	// the configured 10 rps.
	require.NoError(t, store.Tighten(ctx, "k", 1, now.Add(10*time.Second), now))

	ok, wait, err := store.Take(ctx, "k", cfg, now.Add(time.Second))
	require.NoError(t, err)
	require.False(t, ok)
	require.Greater(t, wait, time.Duration(0))

	// A favorable reading never loosens the bucket within the window.
	require.NoError(t, store.Tighten(ctx, "k", 1000000, now.Add(10*time.Second), now.Add(time.Second)))
	ok, _, err = store.Take(ctx, "k", cfg, now.Add(1100*time.Millisecond))
	require.NoError(t, err)
	require.False(t, ok)

	// After the reported window the configured fallback returns.
	ok, _, err = store.Take(ctx, "k", cfg, now.Add(30*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTightenZeroRemainingActsAsCooldown(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	now := time.Unix(1000, 0)
	cfg := ProviderConfig{RPS: 100, Burst: 5}
	ctx := context.Background()

	require.NoError(t, store.Tighten(ctx, "k", 0, now.Add(5*time.Second), now))

	ok, wait, err := store.Take(ctx, "k", cfg, now.Add(time.Second))
	require.NoError(t, err)
	require.False(t, ok)
	require.InDelta(t, (4 * time.Second).Seconds(), wait.Seconds(), 0.1)

	ok, _, err = store.Take(ctx, "k", cfg, now.Add(6*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestHardFloorNeverUndercut(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	now := time.Unix(1000, 0)
	// Generous rate but a 1s floor: the floor wins.
	cfg := ProviderConfig{RPS: 1000, Burst: 100, MinInterval: time.Second}
	ctx := context.Background()

	ok, _, err := store.Take(ctx, "k", cfg, now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, wait, err := store.Take(ctx, "k", cfg, now.Add(300*time.Millisecond))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 700*time.Millisecond, wait)

	ok, _, err = store.Take(ctx, "k", cfg, now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRateBoundOverWindow(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	cfg := ProviderConfig{RPS: 5, Burst: 1}
	ctx := context.Background()
	start := time.Unix(2000, 0)

	// Sweep a simulated 10s window in 50ms steps; the bucket must never
	// grant more than R×W + burst.
	granted := 0
	for step := 0; step < 200; step++ {
		now := start.Add(time.Duration(step) * 50 * time.Millisecond)
		ok, _, err := store.Take(ctx, "k", cfg, now)
		require.NoError(t, err)
		if ok {
			granted++
		}
	}
	require.LessOrEqual(t, granted, 5*10+1)
	require.Greater(t, granted, 40)
}

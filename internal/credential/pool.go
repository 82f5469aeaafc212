package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arenalab/collection-core/internal/arena"
	"github.com/arenalab/collection-core/internal/metrics"
)

// Config controls Pool behavior.
type Config struct {
	// AcquireTimeout bounds how long Acquire blocks for an eligible
	// credential before returning ErrNoCredentialAvailable.
	AcquireTimeout time.Duration
	// PollInterval is the re-check cadence while waiting.
	PollInterval time.Duration
	// LeaseTTL bounds a lease's life so a crashed holder's claim is
	// reclaimed on a later acquire.
	LeaseTTL time.Duration
	// DefaultCooldown applies when a rate-limit error carries no
	// provider-stated wait.
	DefaultCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.DefaultCooldown <= 0 {
		c.DefaultCooldown = time.Minute
	}
	return c
}

// Pool brokers credential leases over a shared Store. It is constructed once
// at process start and injected into the orchestrator.
type Pool struct {
	store  Store
	clock  arena.Clock
	ids    arena.IDGenerator
	cfg    Config
	logger *zap.Logger
}

// NewPool constructs a Pool.
func NewPool(store Store, clock arena.Clock, ids arena.IDGenerator, cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		store:  store,
		clock:  clock,
		ids:    ids,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Acquire blocks until an eligible credential for (platform, tier) is leased,
// the context ends, or the acquire timeout elapses with none available.
func (p *Pool) Acquire(ctx context.Context, platform, tier, holder string) (*Lease, error) {
	deadline := p.clock.Now().Add(p.cfg.AcquireTimeout)
	for {
		now := p.clock.Now()
		leaseID, err := p.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate lease id: %w", err)
		}
		lease, err := p.store.TryAcquire(ctx, platform, tier, holder, leaseID, now, now.Add(p.cfg.LeaseTTL))
		if err == nil {
			metrics.ObserveCredentialAcquire(platform, "acquired")
			p.logger.Debug("credential leased",
				zap.String("platform", platform),
				zap.String("credential_id", lease.CredentialID),
				zap.String("holder", holder),
			)
			return lease, nil
		}
		if !errors.Is(err, ErrNoneEligible) {
			return nil, fmt.Errorf("try acquire credential: %w", err)
		}
		if now.Add(p.cfg.PollInterval).After(deadline) {
			metrics.ObserveCredentialAcquire(platform, "timeout")
			return nil, arena.ErrNoCredentialAvailable
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire credential: %w", ctx.Err())
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// Release returns the lease's credential to the pool.
func (p *Pool) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	if err := p.store.Release(ctx, lease.ID, p.clock.Now()); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// ReportError applies credential side effects for a classified failure.
// Auth failures retire the credential until operator intervention; rate-limit
// failures apply the default cooldown (use ReportCooldown when the provider
// states a wait).
func (p *Pool) ReportError(ctx context.Context, lease *Lease, kind arena.ErrorKind) error {
	if lease == nil {
		return nil
	}
	switch kind {
	case arena.KindAuth:
		metrics.ObserveCredentialState(lease.Platform, string(StatusErrored))
		p.logger.Warn("credential retired after auth failure",
			zap.String("platform", lease.Platform),
			zap.String("credential_id", lease.CredentialID),
		)
		if err := p.store.MarkErrored(ctx, lease.CredentialID); err != nil {
			return fmt.Errorf("mark credential errored: %w", err)
		}
		return nil
	case arena.KindRateLimit:
		return p.ReportCooldown(ctx, lease, p.cfg.DefaultCooldown)
	default:
		return nil
	}
}

// ReportCooldown puts the lease's credential in cooling_down for exactly d.
// The wait is honored fully: under-waiting a provider-stated backoff extends
// the penalty on the provider side.
func (p *Pool) ReportCooldown(ctx context.Context, lease *Lease, d time.Duration) error {
	if lease == nil || d <= 0 {
		return nil
	}
	until := p.clock.Now().Add(d)
	metrics.ObserveCredentialState(lease.Platform, string(StatusCoolingDown))
	p.logger.Info("credential cooling down",
		zap.String("platform", lease.Platform),
		zap.String("credential_id", lease.CredentialID),
		zap.Time("until", until),
	)
	if err := p.store.SetCooldown(ctx, lease.CredentialID, until); err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	return nil
}

// Reactivate clears an errored credential (operator action).
func (p *Pool) Reactivate(ctx context.Context, credentialID string) error {
	if err := p.store.Reactivate(ctx, credentialID); err != nil {
		return fmt.Errorf("reactivate credential: %w", err)
	}
	return nil
}

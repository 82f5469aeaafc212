package credential

import (
	"context"
	"errors"
	"time"
)

// Store errors. ErrNoneEligible is the per-attempt signal the pool converts
// into a bounded wait.
var (
	ErrNoneEligible      = errors.New("no eligible credential")
	ErrCredentialMissing = errors.New("credential not found")
	ErrLeaseMissing      = errors.New("lease not found")
)

// Store holds credential and lease state shared across workers. Every method
// that both checks and mutates state must do so as a single atomic operation;
// the pool never performs read-then-write sequences against it.
type Store interface {
	// Add registers a credential (admin action at configuration time).
	Add(ctx context.Context, c Credential) error

	// TryAcquire atomically selects the least-recently-used eligible
	// credential for (platform, tier), verifies quota headroom and the
	// concurrency limit, increments quota_used, records the lease, and
	// returns a snapshot. Returns ErrNoneEligible when nothing qualifies.
	TryAcquire(ctx context.Context, platform, tier, holder, leaseID string, now, expiresAt time.Time) (*Lease, error)

	// Release ends a live lease. Releasing an already-released or expired
	// lease is a no-op.
	Release(ctx context.Context, leaseID string, now time.Time) error

	// MarkErrored retires a credential permanently (auth failure). Only
	// Reactivate clears it.
	MarkErrored(ctx context.Context, credentialID string) error

	// SetCooldown puts a credential in cooling_down until the deadline.
	// An existing later deadline is never shortened.
	SetCooldown(ctx context.Context, credentialID string, until time.Time) error

	// Reactivate clears an errored credential back to active (operator
	// intervention).
	Reactivate(ctx context.Context, credentialID string) error

	// Get returns the current credential state.
	Get(ctx context.Context, credentialID string) (Credential, error)

	// LiveLeases counts unexpired, unreleased leases on a credential.
	LiveLeases(ctx context.Context, credentialID string, now time.Time) (int, error)
}

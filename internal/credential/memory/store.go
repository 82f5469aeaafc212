// Package memory provides an in-process credential store for development and
// single-worker deployments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arenalab/collection-core/internal/credential"
)

// Store keeps credential and lease state behind a single mutex so every
// check-and-update is atomic.
type Store struct {
	mu          sync.Mutex
	credentials map[string]credential.Credential
	leases      map[string]credential.Lease
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		credentials: make(map[string]credential.Credential),
		leases:      make(map[string]credential.Lease),
	}
}

// Add registers a credential.
func (s *Store) Add(_ context.Context, c credential.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		return fmt.Errorf("credential id is required")
	}
	if _, exists := s.credentials[c.ID]; exists {
		return fmt.Errorf("credential %s already exists", c.ID)
	}
	if c.Status == "" {
		c.Status = credential.StatusActive
	}
	s.credentials[c.ID] = c
	return nil
}

// TryAcquire selects the least-recently-used eligible credential, checks
// quota and concurrency, and issues a lease in one critical section.
func (s *Store) TryAcquire(
	_ context.Context,
	platform, tier, holder, leaseID string,
	now, expiresAt time.Time,
) (*credential.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *credential.Credential
	for id := range s.credentials {
		c := s.credentials[id]
		if c.Platform != platform {
			continue
		}
		if tier != "" && c.Tier != tier {
			continue
		}
		c = s.selfHeal(c, now)
		if c.Status != credential.StatusActive {
			s.credentials[id] = c
			continue
		}
		if c.QuotaLimit > 0 && c.QuotaUsed >= c.QuotaLimit {
			c.Status = credential.StatusExhausted
			s.credentials[id] = c
			continue
		}
		if c.ConcurrencyLimit > 0 && s.liveLeaseCount(c.ID, now) >= c.ConcurrencyLimit {
			continue
		}
		s.credentials[id] = c
		if best == nil || c.LastAcquiredAt.Before(best.LastAcquiredAt) {
			snapshot := c
			best = &snapshot
		}
	}
	if best == nil {
		return nil, credential.ErrNoneEligible
	}

	if best.QuotaLimit > 0 {
		best.QuotaUsed++
		if best.QuotaUsed >= best.QuotaLimit {
			best.Status = credential.StatusExhausted
		}
	}
	best.LastAcquiredAt = now
	s.credentials[best.ID] = *best

	lease := credential.Lease{
		ID:           leaseID,
		CredentialID: best.ID,
		Platform:     platform,
		Holder:       holder,
		AcquiredAt:   now,
		ExpiresAt:    expiresAt,
		Credential:   *best,
	}
	s.leases[leaseID] = lease
	return &lease, nil
}

// Release marks a lease released. Already-released leases are a no-op.
func (s *Store) Release(_ context.Context, leaseID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[leaseID]
	if !ok {
		return credential.ErrLeaseMissing
	}
	if lease.ReleasedAt != nil {
		return nil
	}
	released := now
	lease.ReleasedAt = &released
	s.leases[leaseID] = lease
	return nil
}

// MarkErrored retires a credential permanently.
func (s *Store) MarkErrored(_ context.Context, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[credentialID]
	if !ok {
		return credential.ErrCredentialMissing
	}
	c.Status = credential.StatusErrored
	c.CooldownUntil = nil
	s.credentials[credentialID] = c
	return nil
}

// SetCooldown moves a credential to cooling_down, never shortening an
// existing later deadline.
func (s *Store) SetCooldown(_ context.Context, credentialID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[credentialID]
	if !ok {
		return credential.ErrCredentialMissing
	}
	if c.Status == credential.StatusErrored {
		return nil
	}
	if c.CooldownUntil != nil && c.CooldownUntil.After(until) {
		return nil
	}
	c.Status = credential.StatusCoolingDown
	c.CooldownUntil = &until
	s.credentials[credentialID] = c
	return nil
}

// Reactivate clears an errored credential back to active.
func (s *Store) Reactivate(_ context.Context, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[credentialID]
	if !ok {
		return credential.ErrCredentialMissing
	}
	c.Status = credential.StatusActive
	c.CooldownUntil = nil
	s.credentials[credentialID] = c
	return nil
}

// Get returns the credential's current state.
func (s *Store) Get(_ context.Context, credentialID string) (credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[credentialID]
	if !ok {
		return credential.Credential{}, credential.ErrCredentialMissing
	}
	return c, nil
}

// LiveLeases counts unexpired, unreleased leases on a credential.
func (s *Store) LiveLeases(_ context.Context, credentialID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLeaseCount(credentialID, now), nil
}

// selfHeal applies the lazy eligibility rules: cooling_down and exhausted
// return to active once their deadline passes; errored never does.
func (s *Store) selfHeal(c credential.Credential, now time.Time) credential.Credential {
	switch c.Status {
	case credential.StatusCoolingDown:
		if c.CooldownUntil != nil && !now.Before(*c.CooldownUntil) {
			c.Status = credential.StatusActive
			c.CooldownUntil = nil
		}
	case credential.StatusExhausted:
		if c.QuotaResetAt != nil && !now.Before(*c.QuotaResetAt) {
			c.Status = credential.StatusActive
			c.QuotaUsed = 0
			next := c.QuotaResetAt.Add(24 * time.Hour)
			c.QuotaResetAt = &next
		}
	}
	return c
}

func (s *Store) liveLeaseCount(credentialID string, now time.Time) int {
	count := 0
	for _, l := range s.leases {
		if l.CredentialID != credentialID {
			continue
		}
		if l.ReleasedAt != nil {
			continue
		}
		if now.After(l.ExpiresAt) {
			continue
		}
		count++
	}
	return count
}

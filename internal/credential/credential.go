// Package credential manages provider credentials: brokering exclusive or
// shared leases, tracking quota and cooldowns, and rotating around errored
// credentials.
package credential

import (
	"time"
)

// Status is the lifecycle state of a credential.
type Status string

// Credential states. Errored never self-heals; cooling_down and exhausted
// self-heal lazily once their deadline passes.
const (
	StatusActive      Status = "active"
	StatusCoolingDown Status = "cooling_down"
	StatusErrored     Status = "errored"
	StatusExhausted   Status = "exhausted"
)

// Credential is a secret/config bundle plus bookkeeping. The core never
// interprets Payload; adapters do.
type Credential struct {
	ID       string            `json:"id"`
	Platform string            `json:"platform"`
	Tier     string            `json:"tier"`
	Payload  map[string]string `json:"payload"`
	Status   Status            `json:"status"`

	// QuotaLimit of 0 means the provider meters nothing.
	QuotaUsed    int64      `json:"quota_used"`
	QuotaLimit   int64      `json:"quota_limit"`
	QuotaResetAt *time.Time `json:"quota_reset_at,omitempty"`

	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`

	// ConcurrencyLimit bounds live leases. 1 models session-exclusive
	// providers; 0 means unbounded (pure API keys gated only by the rate
	// limiter).
	ConcurrencyLimit int `json:"concurrency_limit"`

	LastAcquiredAt time.Time `json:"last_acquired_at"`
}

// Lease is a short-lived claim on a credential. Exactly as many live leases
// per credential as its concurrency limit allows.
type Lease struct {
	ID           string     `json:"id"`
	CredentialID string     `json:"credential_id"`
	Platform     string     `json:"platform"`
	Holder       string     `json:"holder"`
	AcquiredAt   time.Time  `json:"acquired_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ReleasedAt   *time.Time `json:"released_at,omitempty"`

	// Credential is a snapshot taken at acquisition for the adapter call.
	Credential Credential `json:"credential"`
}

// eligible reports whether the credential can be leased at now, applying the
// lazy self-heal rules for cooldown and quota-reset deadlines.
func eligible(c Credential, now time.Time) bool {
	switch c.Status {
	case StatusErrored:
		return false
	case StatusCoolingDown:
		return c.CooldownUntil != nil && !now.Before(*c.CooldownUntil)
	case StatusExhausted:
		return c.QuotaResetAt != nil && !now.Before(*c.QuotaResetAt)
	case StatusActive:
		return true
	default:
		return false
	}
}

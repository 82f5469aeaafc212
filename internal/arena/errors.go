package arena

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced to callers for retry policy decisions.
var (
	// ErrBudgetExhausted halts further calls for the run. Already-ingested
	// records remain valid.
	ErrBudgetExhausted = errors.New("run budget exhausted")
	// ErrNoCredentialAvailable means no eligible credential became available
	// within the acquire timeout.
	ErrNoCredentialAvailable = errors.New("no credential available")
	// ErrRateLimitTimeout means the limiter's own acquisition timed out,
	// distinct from the provider actually rejecting a call.
	ErrRateLimitTimeout = errors.New("rate limit slot acquisition timed out")
	// ErrRecordNotFound is returned by stores for missing records.
	ErrRecordNotFound = errors.New("record not found")
	// ErrDuplicateRecord is returned by stores on (platform, platform_id)
	// collisions.
	ErrDuplicateRecord = errors.New("duplicate record")
)

// RateLimitError signals a provider-side 429/flood-wait. RetryAfter is the
// authoritative wait duration and must be honored exactly, never shortened.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("provider %s rate limited, retry after %s", e.Provider, e.RetryAfter)
}

// AuthError signals a 401/403/invalid key. Non-retryable on the same
// credential.
type AuthError struct {
	Provider string
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("provider %s auth failed: %s", e.Provider, e.Reason)
}

// CollectionError covers other non-2xx responses, malformed payloads, and
// network failures. Transient errors are retried with backoff.
type CollectionError struct {
	Provider  string
	Transient bool
	Err       error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("provider %s collection failed (transient=%t): %v", e.Provider, e.Transient, e.Err)
}

func (e *CollectionError) Unwrap() error {
	return e.Err
}

// UnsupportedOperationError means the arena declines the operation. Callers
// skip, never retry.
type UnsupportedOperationError struct {
	Key       Key
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s does not support %s", e.Key, e.Operation)
}

// ErrorKind classifies an adapter failure for pool/limiter/ledger side effects.
type ErrorKind string

// Error kinds produced by Classify.
const (
	KindRateLimit   ErrorKind = "rate_limit"
	KindAuth        ErrorKind = "auth"
	KindTransient   ErrorKind = "transient"
	KindPermanent   ErrorKind = "permanent"
	KindUnsupported ErrorKind = "unsupported"
	KindBudget      ErrorKind = "budget"
	KindCanceled    ErrorKind = "canceled"
)

// Classify maps an adapter error onto the taxonomy. All adapter errors pass
// through here at the orchestrator boundary before any credential, limiter,
// or ledger state is touched.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBudgetExhausted):
		return KindBudget
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return KindRateLimit
	}
	var auth *AuthError
	if errors.As(err, &auth) {
		return KindAuth
	}
	var unsup *UnsupportedOperationError
	if errors.As(err, &unsup) {
		return KindUnsupported
	}
	var coll *CollectionError
	if errors.As(err, &coll) {
		if coll.Transient {
			return KindTransient
		}
		return KindPermanent
	}
	if errors.Is(err, ErrRateLimitTimeout) || errors.Is(err, ErrNoCredentialAvailable) {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	// Unclassified adapter errors are retried once as transient rather than
	// aborting the whole arena.
	return KindTransient
}

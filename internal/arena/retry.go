package arena

import (
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// ExponentialRetryPolicy implements error-kind-aware retry with jittered
// backoff. Rate-limit errors override the computed delay with the provider's
// authoritative wait.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy with sane defaults.
func NewExponentialRetryPolicy() *ExponentialRetryPolicy {
	return &ExponentialRetryPolicy{
		maxAttempts: 3,
		baseDelay:   250 * time.Millisecond,
		maxDelay:    30 * time.Second,
	}
}

// ShouldRetry decides whether the classified error is retryable.
func (p *ExponentialRetryPolicy) ShouldRetry(kind ErrorKind, attempt int) bool {
	if attempt >= p.maxAttempts {
		return false
	}
	switch kind {
	case KindRateLimit, KindTransient:
		return true
	case KindAuth:
		// Retry lets the pool rotate to the next eligible credential; the
		// errored credential itself never self-heals.
		return true
	default:
		return false
	}
}

// Backoff returns the wait duration before the next attempt. A non-nil
// rate-limit error carries an authoritative wait which is honored exactly.
func (p *ExponentialRetryPolicy) Backoff(err error, attempt int) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

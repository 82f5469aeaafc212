// Package postgres provides the shared credential store used when many
// worker processes coordinate through one database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arenalab/collection-core/internal/credential"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements credential.Store on Postgres. All check-and-update paths
// are single statements or short transactions with row locks, so concurrent
// workers never double-spend quota or oversubscribe a credential.
type Store struct {
	pool pgxIface
}

// NewStore connects a Postgres-backed credential store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("credentials.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for
// testing).
func NewStoreWithPool(pool pgxIface) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Add inserts a credential row.
func (s *Store) Add(ctx context.Context, c credential.Credential) error {
	if c.ID == "" {
		return fmt.Errorf("credential id is required")
	}
	if c.Status == "" {
		c.Status = credential.StatusActive
	}
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO credentials (
	id, platform, tier, payload, status,
	quota_used, quota_limit, quota_reset_at,
	cooldown_until, concurrency_limit, last_acquired_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		c.ID, c.Platform, c.Tier, payload, string(c.Status),
		c.QuotaUsed, c.QuotaLimit, c.QuotaResetAt,
		c.CooldownUntil, c.ConcurrencyLimit, c.LastAcquiredAt,
	)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// TryAcquire selects, locks, and leases the least-recently-used eligible
// credential in one transaction. FOR UPDATE SKIP LOCKED keeps concurrent
// workers from colliding on the same row.
func (s *Store) TryAcquire(
	ctx context.Context,
	platform, tier, holder, leaseID string,
	now, expiresAt time.Time,
) (*credential.Lease, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin acquire tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
WITH candidate AS (
	SELECT id FROM credentials c
	WHERE c.platform = $1
	  AND ($2 = '' OR c.tier = $2)
	  AND c.status <> 'errored'
	  AND (c.cooldown_until IS NULL OR c.cooldown_until <= $3)
	  AND (
		c.quota_limit = 0
		OR c.quota_used < c.quota_limit
		OR (c.quota_reset_at IS NOT NULL AND c.quota_reset_at <= $3)
	  )
	  AND (
		c.concurrency_limit = 0
		OR (
			SELECT count(*) FROM credential_leases l
			WHERE l.credential_id = c.id
			  AND l.released_at IS NULL
			  AND l.expires_at > $3
		) < c.concurrency_limit
	  )
	ORDER BY c.last_acquired_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
UPDATE credentials c SET
	quota_used = CASE
		WHEN c.quota_limit = 0 THEN c.quota_used
		WHEN c.quota_reset_at IS NOT NULL AND c.quota_reset_at <= $3 THEN 1
		ELSE c.quota_used + 1
	END,
	quota_reset_at = CASE
		WHEN c.quota_reset_at IS NOT NULL AND c.quota_reset_at <= $3
			THEN c.quota_reset_at + interval '24 hours'
		ELSE c.quota_reset_at
	END,
	status = CASE
		WHEN c.quota_limit > 0 AND c.quota_used + 1 >= c.quota_limit
			AND (c.quota_reset_at IS NULL OR c.quota_reset_at > $3)
			THEN 'exhausted'
		ELSE 'active'
	END,
	cooldown_until = NULL,
	last_acquired_at = $3
FROM candidate
WHERE c.id = candidate.id
RETURNING c.id, c.tier, c.payload, c.status, c.quota_used, c.quota_limit,
	c.quota_reset_at, c.concurrency_limit`,
		platform, tier, now,
	)

	var (
		cred         credential.Credential
		payloadBytes []byte
		status       string
	)
	err = row.Scan(
		&cred.ID, &cred.Tier, &payloadBytes, &status,
		&cred.QuotaUsed, &cred.QuotaLimit, &cred.QuotaResetAt, &cred.ConcurrencyLimit,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, credential.ErrNoneEligible
	}
	if err != nil {
		return nil, fmt.Errorf("acquire credential row: %w", err)
	}
	cred.Platform = platform
	cred.Status = credential.Status(status)
	cred.LastAcquiredAt = now
	if len(payloadBytes) > 0 {
		if err := json.Unmarshal(payloadBytes, &cred.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO credential_leases (id, credential_id, holder, acquired_at, expires_at)
VALUES ($1,$2,$3,$4,$5)`,
		leaseID, cred.ID, holder, now, expiresAt,
	); err != nil {
		return nil, fmt.Errorf("insert lease: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit acquire tx: %w", err)
	}

	return &credential.Lease{
		ID:           leaseID,
		CredentialID: cred.ID,
		Platform:     platform,
		Holder:       holder,
		AcquiredAt:   now,
		ExpiresAt:    expiresAt,
		Credential:   cred,
	}, nil
}

// Release marks a lease released; already-released leases are untouched.
func (s *Store) Release(ctx context.Context, leaseID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE credential_leases SET released_at = $2
WHERE id = $1 AND released_at IS NULL`,
		leaseID, now,
	)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Released twice or expired: both are fine.
		return nil
	}
	return nil
}

// MarkErrored retires a credential until operator intervention.
func (s *Store) MarkErrored(ctx context.Context, credentialID string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE credentials SET status = 'errored', cooldown_until = NULL
WHERE id = $1`,
		credentialID,
	)
	if err != nil {
		return fmt.Errorf("mark errored: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return credential.ErrCredentialMissing
	}
	return nil
}

// SetCooldown moves a credential to cooling_down without ever shortening an
// existing later deadline.
func (s *Store) SetCooldown(ctx context.Context, credentialID string, until time.Time) error {
	_, err := s.pool.Exec(ctx, `
UPDATE credentials SET
	status = 'cooling_down',
	cooldown_until = GREATEST(COALESCE(cooldown_until, $2), $2)
WHERE id = $1 AND status <> 'errored'`,
		credentialID, until,
	)
	if err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	return nil
}

// Reactivate clears an errored credential back to active.
func (s *Store) Reactivate(ctx context.Context, credentialID string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE credentials SET status = 'active', cooldown_until = NULL
WHERE id = $1`,
		credentialID,
	)
	if err != nil {
		return fmt.Errorf("reactivate credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return credential.ErrCredentialMissing
	}
	return nil
}

// Get returns the credential's current state.
func (s *Store) Get(ctx context.Context, credentialID string) (credential.Credential, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, platform, tier, payload, status, quota_used, quota_limit,
	quota_reset_at, cooldown_until, concurrency_limit, last_acquired_at
FROM credentials WHERE id = $1`,
		credentialID,
	)
	var (
		c            credential.Credential
		payloadBytes []byte
		status       string
	)
	err := row.Scan(
		&c.ID, &c.Platform, &c.Tier, &payloadBytes, &status,
		&c.QuotaUsed, &c.QuotaLimit, &c.QuotaResetAt,
		&c.CooldownUntil, &c.ConcurrencyLimit, &c.LastAcquiredAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return credential.Credential{}, credential.ErrCredentialMissing
	}
	if err != nil {
		return credential.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	c.Status = credential.Status(status)
	if len(payloadBytes) > 0 {
		if err := json.Unmarshal(payloadBytes, &c.Payload); err != nil {
			return credential.Credential{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return c, nil
}

// LiveLeases counts unexpired, unreleased leases on a credential.
func (s *Store) LiveLeases(ctx context.Context, credentialID string, now time.Time) (int, error) {
	row := s.pool.QueryRow(ctx, `
SELECT count(*) FROM credential_leases
WHERE credential_id = $1 AND released_at IS NULL AND expires_at > $2`,
		credentialID, now,
	)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count live leases: %w", err)
	}
	return n, nil
}

// Package postgres provides the shared ledger store used when many worker
// processes charge against one run budget.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arenalab/collection-core/internal/arena"
	"github.com/arenalab/collection-core/internal/ledger"
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
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements ledger.Store on Postgres. The budget check and the
// consumption increment are one conditional UPDATE, so two concurrent
// reservations can never both pass a check only one can afford.
type Store struct {
	pool pgxIface
}

// NewStore connects a Postgres-backed ledger store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
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

// OpenRun registers the run budget; an already-open run keeps its counters.
func (s *Store) OpenRun(ctx context.Context, runID string, budget int64) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO run_budgets (run_id, budget, consumed)
VALUES ($1, $2, 0)
ON CONFLICT (run_id) DO NOTHING`,
		runID, budget,
	)
	if err != nil {
		return fmt.Errorf("open run budget: %w", err)
	}
	return nil
}

// Debit increments consumption and appends the ledger entry in one
// transaction. With enforce set the increment only lands when it fits the
// budget.
func (s *Store) Debit(ctx context.Context, runID, provider string, units int64, enforce bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin debit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
UPDATE run_budgets SET consumed = consumed + $2
WHERE run_id = $1 AND (NOT $3 OR consumed + $2 <= budget)`,
		runID, units, enforce,
	)
	if err != nil {
		return fmt.Errorf("debit run budget: %w", err)
	}
	if tag.RowsAffected() == 0 {
		exists, err := s.runExists(ctx, runID)
		if err != nil {
			return err
		}
		if !exists {
			return ledger.ErrRunUnknown
		}
		return arena.ErrBudgetExhausted
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO credit_transactions (run_id, provider, units, ts)
VALUES ($1, $2, $3, now())`,
		runID, provider, units,
	); err != nil {
		return fmt.Errorf("insert debit transaction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit debit tx: %w", err)
	}
	return nil
}

// Credit subtracts units and appends a negative ledger entry.
func (s *Store) Credit(ctx context.Context, runID, provider string, units int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin credit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
UPDATE run_budgets SET consumed = consumed - $2
WHERE run_id = $1`,
		runID, units,
	)
	if err != nil {
		return fmt.Errorf("credit run budget: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrRunUnknown
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO credit_transactions (run_id, provider, units, ts)
VALUES ($1, $2, $3, now())`,
		runID, provider, -units,
	); err != nil {
		return fmt.Errorf("insert credit transaction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit credit tx: %w", err)
	}
	return nil
}

// Consumed returns the run's current consumption.
func (s *Store) Consumed(ctx context.Context, runID string) (int64, error) {
	row := s.pool.QueryRow(ctx, `
SELECT consumed FROM run_budgets WHERE run_id = $1`,
		runID,
	)
	var consumed int64
	err := row.Scan(&consumed)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ledger.ErrRunUnknown
	}
	if err != nil {
		return 0, fmt.Errorf("read consumed: %w", err)
	}
	return consumed, nil
}

// Transactions returns the run's entries in append order.
func (s *Store) Transactions(ctx context.Context, runID string) ([]arena.CreditTransaction, error) {
	rows, err := s.pool.Query(ctx, `
SELECT run_id, provider, units, ts
FROM credit_transactions
WHERE run_id = $1
ORDER BY ts ASC, id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txs []arena.CreditTransaction
	for rows.Next() {
		var t arena.CreditTransaction
		if err := rows.Scan(&t.RunID, &t.Provider, &t.UnitsConsumed, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return txs, nil
}

func (s *Store) runExists(ctx context.Context, runID string) (bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM run_budgets WHERE run_id = $1)`,
		runID,
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("check run exists: %w", err)
	}
	return exists, nil
}

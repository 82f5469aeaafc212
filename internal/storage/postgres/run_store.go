package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/arenalab/collection-core/internal/arena"
)

// RunStore implements arena.RunStore on Postgres.
type RunStore struct {
	pool pgxIface
}

// NewRunStore connects a Postgres-backed run store.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: pool}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewRunStoreWithPool(pool pgxIface) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateRun stores a new run in pending status.
func (s *RunStore) CreateRun(ctx context.Context, run arena.CollectionRun) error {
	if run.Status == "" {
		run.Status = arena.RunStatusPending
	}
	configs, err := json.Marshal(run.ArenaConfigs)
	if err != nil {
		return fmt.Errorf("marshal arena configs: %w", err)
	}
	counters, err := json.Marshal(run.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO collection_runs (id, arena_configs, budget, status, counters)
VALUES ($1, $2, $3, $4, $5)`,
		run.ID, configs, run.Budget, string(run.Status), counters,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (arena.CollectionRun, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, arena_configs, budget, status, started_at, completed_at,
	error_text, counters
FROM collection_runs WHERE id = $1`,
		runID,
	)
	var (
		run           arena.CollectionRun
		configsBytes  []byte
		countersBytes []byte
		status        string
		errText       *string
	)
	err := row.Scan(
		&run.ID, &configsBytes, &run.Budget, &status,
		&run.StartedAt, &run.CompletedAt, &errText, &countersBytes,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return arena.CollectionRun{}, arena.ErrRecordNotFound
	}
	if err != nil {
		return arena.CollectionRun{}, fmt.Errorf("get run: %w", err)
	}
	run.Status = arena.RunStatus(status)
	if errText != nil {
		run.ErrorText = *errText
	}
	if len(configsBytes) > 0 {
		if err := json.Unmarshal(configsBytes, &run.ArenaConfigs); err != nil {
			return arena.CollectionRun{}, fmt.Errorf("unmarshal arena configs: %w", err)
		}
	}
	if len(countersBytes) > 0 {
		if err := json.Unmarshal(countersBytes, &run.Counters); err != nil {
			return arena.CollectionRun{}, fmt.Errorf("unmarshal counters: %w", err)
		}
	}
	return run, nil
}

// UpdateRunStatus updates status, error text, and counters, stamping
// started/completed times on the relevant transitions.
func (s *RunStore) UpdateRunStatus(
	ctx context.Context,
	runID string,
	status arena.RunStatus,
	errText string,
	counters arena.RunCounters,
) error {
	countersBytes, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE collection_runs SET
	status = $2,
	error_text = NULLIF($3, ''),
	counters = $4,
	started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
	completed_at = CASE WHEN $5 AND completed_at IS NULL THEN now() ELSE completed_at END
WHERE id = $1`,
		runID, string(status), errText, countersBytes, status.IsTerminal(),
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return arena.ErrRecordNotFound
	}
	return nil
}

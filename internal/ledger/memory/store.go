// Package memory provides an in-process ledger store for tests and
// single-worker runs.
package memory

import (
	"context"
	"sync"

	"github.com/arenalab/collection-core/internal/arena"
	"github.com/arenalab/collection-core/internal/ledger"
)

type runLedger struct {
	budget   int64
	consumed int64
	txs      []arena.CreditTransaction
}

// Store implements ledger.Store behind one mutex; every Debit is a single
// critical section so concurrent reservations serialize.
type Store struct {
	mu    sync.Mutex
	clock arena.Clock
	runs  map[string]*runLedger
}

// NewStore constructs an empty Store.
func NewStore(clock arena.Clock) *Store {
	return &Store{
		clock: clock,
		runs:  make(map[string]*runLedger),
	}
}

// OpenRun registers the budget; reopening keeps existing counters.
func (s *Store) OpenRun(_ context.Context, runID string, budget int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; ok {
		return nil
	}
	s.runs[runID] = &runLedger{budget: budget}
	return nil
}

// Debit checks and increments in one step.
func (s *Store) Debit(_ context.Context, runID, provider string, units int64, enforce bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ledger.ErrRunUnknown
	}
	if enforce && run.consumed+units > run.budget {
		return arena.ErrBudgetExhausted
	}
	run.consumed += units
	run.txs = append(run.txs, arena.CreditTransaction{
		RunID:         runID,
		Provider:      provider,
		UnitsConsumed: units,
		Timestamp:     s.clock.Now().UTC(),
	})
	return nil
}

// Credit subtracts units, recording a negative ledger entry.
func (s *Store) Credit(_ context.Context, runID, provider string, units int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ledger.ErrRunUnknown
	}
	run.consumed -= units
	run.txs = append(run.txs, arena.CreditTransaction{
		RunID:         runID,
		Provider:      provider,
		UnitsConsumed: -units,
		Timestamp:     s.clock.Now().UTC(),
	})
	return nil
}

// Consumed returns the run's current consumption.
func (s *Store) Consumed(_ context.Context, runID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return 0, ledger.ErrRunUnknown
	}
	return run.consumed, nil
}

// Transactions returns a copy of the run's entries in append order.
func (s *Store) Transactions(_ context.Context, runID string) ([]arena.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, ledger.ErrRunUnknown
	}
	out := make([]arena.CreditTransaction, len(run.txs))
	copy(out, run.txs)
	return out, nil
}

// Package ledger enforces a hard per-run credit budget across heterogeneous
// provider cost models using pessimistic reservations.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/arenalab/collection-core/internal/arena"
	"github.com/arenalab/collection-core/internal/metrics"
)

// Store holds per-run budget counters and the append-only transaction log.
// Debit must be a single atomic check-and-update; two concurrent reservations
// must never both pass a check only one of them can afford.
type Store interface {
	// OpenRun registers a run's budget. Opening an already-open run is a
	// no-op and keeps the existing counters.
	OpenRun(ctx context.Context, runID string, budget int64) error
	// Debit adds units to the run's consumption. With enforce set it fails
	// with ErrBudgetExhausted instead of exceeding the budget.
	Debit(ctx context.Context, runID, provider string, units int64, enforce bool) error
	// Credit subtracts units from the run's consumption.
	Credit(ctx context.Context, runID, provider string, units int64) error
	// Consumed returns the run's current consumption.
	Consumed(ctx context.Context, runID string) (int64, error)
	// Transactions returns the run's ledger entries in append order.
	Transactions(ctx context.Context, runID string) ([]arena.CreditTransaction, error)
}

// ErrRunUnknown is returned for ledger operations on a run never opened.
var ErrRunUnknown = fmt.Errorf("ledger: run unknown")

// Reservation is a pessimistic hold on part of a run's budget. Exactly one
// of Commit or Refund settles it.
type Reservation struct {
	RunID    string
	Provider string
	Units    int64

	mu      sync.Mutex
	settled bool
}

// Ledger coordinates reservations against a Store.
type Ledger struct {
	store  Store
	logger *zap.Logger
}

// New creates a Ledger over the given store.
func New(store Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, logger: logger}
}

// OpenRun registers the run's budget before any reservation.
func (l *Ledger) OpenRun(ctx context.Context, runID string, budget int64) error {
	if err := l.store.OpenRun(ctx, runID, budget); err != nil {
		return fmt.Errorf("open run %s: %w", runID, err)
	}
	return nil
}

// Reserve atomically holds units against the run's budget before the
// provider call is made. A rejected reservation returns ErrBudgetExhausted
// and makes no partial hold.
func (l *Ledger) Reserve(ctx context.Context, runID, provider string, units int64) (*Reservation, error) {
	if units < 0 {
		return nil, fmt.Errorf("reserve %d units for %s: negative estimate", units, provider)
	}
	if err := l.store.Debit(ctx, runID, provider, units, true); err != nil {
		return nil, err
	}
	return &Reservation{RunID: runID, Provider: provider, Units: units}, nil
}

// Commit settles a reservation with the actual cost once it is known. When
// the call consumed less than estimated the difference is credited back;
// when it consumed more, the overage is debited without a budget check since
// the spend has already happened upstream.
func (l *Ledger) Commit(ctx context.Context, res *Reservation, actual int64) error {
	if err := beginSettle(res); err != nil {
		return err
	}
	switch {
	case actual < res.Units:
		if err := l.store.Credit(ctx, res.RunID, res.Provider, res.Units-actual); err != nil {
			return fmt.Errorf("credit back %s: %w", res.Provider, err)
		}
	case actual > res.Units:
		l.logger.Warn("cost estimate undershot actual consumption",
			zap.String("run_id", res.RunID),
			zap.String("provider", res.Provider),
			zap.Int64("reserved", res.Units),
			zap.Int64("actual", actual),
		)
		if err := l.store.Debit(ctx, res.RunID, res.Provider, actual-res.Units, false); err != nil {
			return fmt.Errorf("debit overage %s: %w", res.Provider, err)
		}
	}
	metrics.ObserveCreditSpend(res.Provider, actual)
	return nil
}

// Refund fully releases a reservation whose call failed.
func (l *Ledger) Refund(ctx context.Context, res *Reservation) error {
	if err := beginSettle(res); err != nil {
		return err
	}
	if err := l.store.Credit(ctx, res.RunID, res.Provider, res.Units); err != nil {
		return fmt.Errorf("refund %s: %w", res.Provider, err)
	}
	return nil
}

// Consumed reports the run's current consumption.
func (l *Ledger) Consumed(ctx context.Context, runID string) (int64, error) {
	return l.store.Consumed(ctx, runID)
}

// Transactions returns the run's ledger entries.
func (l *Ledger) Transactions(ctx context.Context, runID string) ([]arena.CreditTransaction, error) {
	return l.store.Transactions(ctx, runID)
}

func beginSettle(res *Reservation) error {
	res.mu.Lock()
	defer res.mu.Unlock()
	if res.settled {
		return fmt.Errorf("reservation for %s/%s already settled", res.RunID, res.Provider)
	}
	res.settled = true
	return nil
}

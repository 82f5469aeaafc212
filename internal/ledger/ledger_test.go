package ledger_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arenalab/collection-core/internal/arena"
	"github.com/arenalab/collection-core/internal/clock/system"
	"github.com/arenalab/collection-core/internal/ledger"
	"github.com/arenalab/collection-core/internal/ledger/memory"
)

func newTestLedger(t *testing.T, runID string, budget int64) *ledger.Ledger {
	t.Helper()
	l := ledger.New(memory.NewStore(system.New()), zap.NewNop())
	require.NoError(t, l.OpenRun(context.Background(), runID, budget))
	return l
}

func TestReserveCommitCreditsBackDifference(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, "run-1", 100)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "run-1", "reddit", 30)
	require.NoError(t, err)

	// Call turned out cheaper than estimated.
	require.NoError(t, l.Commit(ctx, res, 12))

	consumed, err := l.Consumed(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, int64(12), consumed)

	txs, err := l.Transactions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, int64(30), txs[0].UnitsConsumed)
	require.Equal(t, int64(-18), txs[1].UnitsConsumed)
}

func TestCommitDebitsOverageWithoutBudgetCheck(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, "run-1", 40)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "run-1", "athena", 35)
	require.NoError(t, err)

	// Post-hoc cost exceeded both the estimate and the remaining budget;
	// the spend already happened, so it is recorded rather than rejected.
	require.NoError(t, l.Commit(ctx, res, 55))

	consumed, err := l.Consumed(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, int64(55), consumed)
}

func TestRefundReleasesFullReservation(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, "run-1", 50)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "run-1", "tiktok", 20)
	require.NoError(t, err)
	require.NoError(t, l.Refund(ctx, res))

	consumed, err := l.Consumed(ctx, "run-1")
	require.NoError(t, err)
	require.Zero(t, consumed)

	// The freed budget is available again.
	_, err = l.Reserve(ctx, "run-1", "tiktok", 50)
	require.NoError(t, err)
}

func TestReservationSettlesExactlyOnce(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, "run-1", 50)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "run-1", "reddit", 10)
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, res, 10))
	require.Error(t, l.Refund(ctx, res))
	require.Error(t, l.Commit(ctx, res, 10))
}

func TestRejectedReservationReturnsBudgetExhausted(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, "run-1", 25)
	ctx := context.Background()

	_, err := l.Reserve(ctx, "run-1", "reddit", 20)
	require.NoError(t, err)

	_, err = l.Reserve(ctx, "run-1", "reddit", 10)
	require.ErrorIs(t, err, arena.ErrBudgetExhausted)

	// The rejection left no partial hold.
	consumed, err := l.Consumed(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, int64(20), consumed)
}

func TestUnknownRunRejected(t *testing.T) {
	t.Parallel()

	l := ledger.New(memory.NewStore(system.New()), zap.NewNop())
	_, err := l.Reserve(context.Background(), "ghost", "reddit", 1)
	require.ErrorIs(t, err, ledger.ErrRunUnknown)
}

func TestConcurrentReservationsNeverExceedBudget(t *testing.T) {
	t.Parallel()

	const budget = 50
	l := newTestLedger(t, "run-1", budget)
	ctx := context.Background()

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Reserve(ctx, "run-1", "reddit", 7)
			if err != nil {
				return
			}
			granted.Add(res.Units)
			time.Sleep(time.Millisecond)
			require.NoError(t, l.Commit(ctx, res, res.Units))
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, granted.Load(), int64(budget))
	consumed, err := l.Consumed(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, granted.Load(), consumed)
}

func TestCostModelEstimates(t *testing.T) {
	t.Parallel()

	perQuery := ledger.CostModel{PerQuery: 2}
	require.Equal(t, int64(6), perQuery.Estimate(arena.CostRequest{TermCount: 3}))
	require.Equal(t, int64(2), perQuery.Estimate(arena.CostRequest{}))

	perRecord := ledger.CostModel{PerQuery: 1, PerRecord: 1, Minimum: 5}
	require.Equal(t, int64(101), perRecord.Estimate(arena.CostRequest{TermCount: 1, MaxResults: 100}))
	require.Equal(t, int64(5), perRecord.Estimate(arena.CostRequest{TermCount: 1}))

	computed := ledger.CostModel{Compute: func(req arena.CostRequest) int64 {
		return ledger.BytesScannedCost(int64(req.MaxResults)*1_000_000_000, 5)
	}}
	// 200 GB at 5 credits/TB rounds up to 1.
	require.Equal(t, int64(1), computed.Estimate(arena.CostRequest{MaxResults: 200}))
	// 2.4 TB rounds up to 12.
	require.Equal(t, int64(12), computed.Estimate(arena.CostRequest{MaxResults: 2400}))
}

func TestBytesScannedCostRoundsUp(t *testing.T) {
	t.Parallel()

	require.Equal(t, int64(0), ledger.BytesScannedCost(0, 5))
	require.Equal(t, int64(1), ledger.BytesScannedCost(1, 5))
	require.Equal(t, int64(5), ledger.BytesScannedCost(1_000_000_000_000, 5))
	require.Equal(t, int64(6), ledger.BytesScannedCost(1_000_000_000_001, 5))
}

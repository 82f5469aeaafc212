package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/arenalab/collection-core/internal/arena"
	"github.com/arenalab/collection-core/internal/ledger"
)

func TestDebitEnforcesBudgetInOneStatement(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE run_budgets SET consumed = consumed \\+").
		WithArgs("run-1", int64(30), true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO credit_transactions").
		WithArgs("run-1", "reddit", int64(30)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	require.NoError(t, store.Debit(context.Background(), "run-1", "reddit", 30, true))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitOverBudgetFailsWithoutPartialHold(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE run_budgets SET consumed = consumed \\+").
		WithArgs("run-1", int64(30), true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err = store.Debit(context.Background(), "run-1", "reddit", 30, true)
	require.ErrorIs(t, err, arena.ErrBudgetExhausted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitUnknownRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE run_budgets SET consumed = consumed \\+").
		WithArgs("ghost", int64(5), true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err = store.Debit(context.Background(), "ghost", "reddit", 5, true)
	require.ErrorIs(t, err, ledger.ErrRunUnknown)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditAppendsNegativeEntry(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE run_budgets SET consumed = consumed -").
		WithArgs("run-1", int64(18)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO credit_transactions").
		WithArgs("run-1", "reddit", int64(-18)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	require.NoError(t, store.Credit(context.Background(), "run-1", "reddit", 18))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenRunIsIdempotent(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO run_budgets").
		WithArgs("run-1", int64(100)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.OpenRun(context.Background(), "run-1", 100))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumedUnknownRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT consumed FROM run_budgets").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"consumed"}))

	_, err = store.Consumed(context.Background(), "ghost")
	require.ErrorIs(t, err, ledger.ErrRunUnknown)
	require.NoError(t, mock.ExpectationsWereMet())
}

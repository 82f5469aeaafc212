package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/arenalab/collection-core/internal/credential"
)

func TestTryAcquireIssuesLeaseInOneTransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	expires := now.Add(5 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE credentials c SET").
		WithArgs("reddit", "free", now).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "tier", "payload", "status", "quota_used", "quota_limit",
			"quota_reset_at", "concurrency_limit",
		}).AddRow(
			"cred-1", "free", []byte(`{"api_key":"k"}`), "active",
			int64(1), int64(100), (*time.Time)(nil), 0,
		))
	mock.ExpectExec("INSERT INTO credential_leases").
		WithArgs("lease-1", "cred-1", "worker-1", now, expires).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	lease, err := store.TryAcquire(context.Background(), "reddit", "free", "worker-1", "lease-1", now, expires)
	require.NoError(t, err)
	require.Equal(t, "cred-1", lease.CredentialID)
	require.Equal(t, "k", lease.Credential.Payload["api_key"])
	require.Equal(t, int64(1), lease.Credential.QuotaUsed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTryAcquireNoneEligible(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE credentials c SET").
		WithArgs("reddit", "", now).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "tier", "payload", "status", "quota_used", "quota_limit",
			"quota_reset_at", "concurrency_limit",
		}))
	mock.ExpectRollback()

	_, err = store.TryAcquire(context.Background(), "reddit", "", "w", "l", now, now.Add(time.Minute))
	require.ErrorIs(t, err, credential.ErrNoneEligible)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE credential_leases SET released_at").
		WithArgs("lease-1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.Release(context.Background(), "lease-1", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkErroredMissingCredential(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE credentials SET status = 'errored'").
		WithArgs("ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.MarkErrored(context.Background(), "ghost")
	require.ErrorIs(t, err, credential.ErrCredentialMissing)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetCooldownNeverShortens(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	until := time.Unix(1700000120, 0).UTC()
	mock.ExpectExec("GREATEST").
		WithArgs("cred-1", until).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.SetCooldown(context.Background(), "cred-1", until))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetScansCredential(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT id, platform, tier, payload").
		WithArgs("cred-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "platform", "tier", "payload", "status", "quota_used",
			"quota_limit", "quota_reset_at", "cooldown_until",
			"concurrency_limit", "last_acquired_at",
		}).AddRow(
			"cred-1", "reddit", "free", []byte(`{}`), "cooling_down",
			int64(3), int64(10), (*time.Time)(nil), &now, 1, now,
		))

	c, err := store.Get(context.Background(), "cred-1")
	require.NoError(t, err)
	require.Equal(t, credential.StatusCoolingDown, c.Status)
	require.Equal(t, int64(3), c.QuotaUsed)
	require.Equal(t, 1, c.ConcurrencyLimit)
	require.NoError(t, mock.ExpectationsWereMet())
}

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/arenalab/collection-core/internal/arena"
)

func TestInsertMapsUniqueViolationToDuplicate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewContentStoreWithPool(mock)
	require.NoError(t, err)

	insertArgs := make([]interface{}, 20)
	for i := range insertArgs {
		insertArgs[i] = pgxmock.AnyArg()
	}
	mock.ExpectExec("INSERT INTO content_records").
		WithArgs(insertArgs...).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})

	err = store.Insert(context.Background(), arena.ContentRecord{
		Platform:    "reddit",
		PlatformID:  "a",
		ContentHash: "h1",
	})
	require.ErrorIs(t, err, arena.ErrDuplicateRecord)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEngagementNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewContentStoreWithPool(mock)
	require.NoError(t, err)

	likes := int64(5)
	mock.ExpectExec("UPDATE content_records SET").
		WithArgs("tiktok", "ghost", &likes, (*int64)(nil), (*int64)(nil), (*int64)(nil), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.UpdateEngagement(context.Background(), "tiktok", "ghost", arena.Engagement{Likes: &likes}, time.Now())
	require.ErrorIs(t, err, arena.ErrRecordNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExistsByHash(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewContentStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("h1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := store.ExistsByHash(context.Background(), "h1")
	require.NoError(t, err)
	require.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindNearHashesScansWindow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewContentStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT content_hash, simhash FROM content_records").
		WithArgs("reddit", 100).
		WillReturnRows(pgxmock.NewRows([]string{"content_hash", "simhash"}).
			AddRow("h1", int64(11)).
			AddRow("h2", int64(22)))

	near, err := store.FindNearHashes(context.Background(), "reddit", 100)
	require.NoError(t, err)
	require.Equal(t, map[string]uint64{"h1": 11, "h2": 22}, near)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreUpdateStatusNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE collection_runs SET").
		WithArgs("ghost", "running", "", pgxmock.AnyArg(), false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.UpdateRunStatus(context.Background(), "ghost", arena.RunStatusRunning, "", arena.RunCounters{})
	require.ErrorIs(t, err, arena.ErrRecordNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arenalab/collection-core/internal/arena"
)

func testRecord(platform, platformID, contentHash string, sim uint64) arena.ContentRecord {
	return arena.ContentRecord{
		Platform:    platform,
		Arena:       "social",
		PlatformID:  platformID,
		ContentType: "post",
		CollectedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		ContentHash: contentHash,
		Simhash:     sim,
	}
}

func TestInsertRejectsBothUniqueAxes(t *testing.T) {
	t.Parallel()

	store := NewContentStore()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, testRecord("reddit", "a", "h1", 1)))

	// Same content hash, different identity.
	err := store.Insert(ctx, testRecord("reddit", "b", "h1", 1))
	require.ErrorIs(t, err, arena.ErrDuplicateRecord)

	// Same identity, different content hash.
	err = store.Insert(ctx, testRecord("reddit", "a", "h2", 2))
	require.ErrorIs(t, err, arena.ErrDuplicateRecord)

	require.Equal(t, 1, store.Len())
}

func TestUpdateEngagementKeepsUnreportedMetrics(t *testing.T) {
	t.Parallel()

	store := NewContentStore()
	ctx := context.Background()

	rec := testRecord("tiktok", "v1", "h1", 0)
	likes := int64(10)
	views := int64(500)
	rec.Engagement = arena.Engagement{Likes: &likes, Views: &views}
	require.NoError(t, store.Insert(ctx, rec))

	newLikes := int64(25)
	at := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateEngagement(ctx, "tiktok", "v1", arena.Engagement{Likes: &newLikes}, at))

	got, err := store.Get(ctx, "tiktok", "v1")
	require.NoError(t, err)
	require.Equal(t, int64(25), *got.Engagement.Likes)
	// Views were not reported this time and must survive.
	require.Equal(t, int64(500), *got.Engagement.Views)
	require.Equal(t, at, got.CollectedAt)
}

func TestUpdateEngagementUnknownRecord(t *testing.T) {
	t.Parallel()

	store := NewContentStore()
	err := store.UpdateEngagement(context.Background(), "tiktok", "ghost", arena.Engagement{}, time.Now())
	require.ErrorIs(t, err, arena.ErrRecordNotFound)
}

func TestFindNearHashesWindowAndPlatform(t *testing.T) {
	t.Parallel()

	store := NewContentStore()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, testRecord("reddit", "a", "h1", 11)))
	require.NoError(t, store.Insert(ctx, testRecord("reddit", "b", "h2", 22)))
	require.NoError(t, store.Insert(ctx, testRecord("tiktok", "c", "h3", 33)))
	// No fingerprint: excluded from the near pass.
	require.NoError(t, store.Insert(ctx, testRecord("reddit", "d", "h4", 0)))

	near, err := store.FindNearHashes(ctx, "reddit", 10)
	require.NoError(t, err)
	require.Equal(t, map[string]uint64{"h1": 11, "h2": 22}, near)

	// The window bound returns the most recent entries first.
	bounded, err := store.FindNearHashes(ctx, "reddit", 1)
	require.NoError(t, err)
	require.Equal(t, map[string]uint64{"h2": 22}, bounded)
}

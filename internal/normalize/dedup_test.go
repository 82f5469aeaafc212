package normalize_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arenalab/collection-core/internal/arena"
	"github.com/arenalab/collection-core/internal/normalize"
)

// --- fakes ---

type fakeContentStore struct {
	mu       sync.Mutex
	byHash   map[string]arena.ContentRecord
	byID     map[string]arena.ContentRecord
	nearErr  error
	refreshs int
}

func newFakeContentStore() *fakeContentStore {
	return &fakeContentStore{
		byHash: make(map[string]arena.ContentRecord),
		byID:   make(map[string]arena.ContentRecord),
	}
}

func idKey(platform, platformID string) string { return platform + "/" + platformID }

func (s *fakeContentStore) ExistsByHash(_ context.Context, contentHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byHash[contentHash]
	return ok, nil
}

func (s *fakeContentStore) Insert(_ context.Context, rec arena.ContentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[rec.ContentHash]; ok {
		return arena.ErrDuplicateRecord
	}
	if _, ok := s.byID[idKey(rec.Platform, rec.PlatformID)]; ok {
		return arena.ErrDuplicateRecord
	}
	s.byHash[rec.ContentHash] = rec
	s.byID[idKey(rec.Platform, rec.PlatformID)] = rec
	return nil
}

func (s *fakeContentStore) UpdateEngagement(_ context.Context, platform, platformID string, eng arena.Engagement, collectedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := idKey(platform, platformID)
	rec, ok := s.byID[key]
	if !ok {
		return arena.ErrRecordNotFound
	}
	rec.Engagement = eng
	rec.CollectedAt = collectedAt
	s.byID[key] = rec
	s.byHash[rec.ContentHash] = rec
	s.refreshs++
	return nil
}

func (s *fakeContentStore) FindNearHashes(_ context.Context, platform string, limit int) (map[string]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nearErr != nil {
		return nil, s.nearErr
	}
	out := make(map[string]uint64)
	for hash, rec := range s.byHash {
		if rec.Platform != platform || rec.Simhash == 0 {
			continue
		}
		out[hash] = rec.Simhash
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func record(platform, platformID, text string) arena.ContentRecord {
	norm := normalize.NormalizeText(text)
	return arena.ContentRecord{
		Platform:    platform,
		Arena:       "social",
		PlatformID:  platformID,
		ContentType: "post",
		TextContent: &text,
		CollectedAt: testClock.Now(),
		ContentHash: "hash:" + norm,
		Simhash:     normalize.Simhash(norm),
	}
}

func TestApplyFirstWriteWins(t *testing.T) {
	t.Parallel()

	store := newFakeContentStore()
	d := normalize.NewDeduplicator(store, normalize.DedupConfig{}, zap.NewNop())
	ctx := context.Background()

	first := record("reddit", "a1", "prices rose again")
	out, err := d.Apply(ctx, &first, false)
	require.NoError(t, err)
	require.Equal(t, normalize.OutcomeInserted, out)

	// Same content from another platform_id: counted duplicate, not merged.
	second := record("reddit", "a2", "prices rose again")
	out, err = d.Apply(ctx, &second, false)
	require.NoError(t, err)
	require.Equal(t, normalize.OutcomeDuplicate, out)
	require.Len(t, store.byHash, 1)
	require.Equal(t, "a1", store.byHash[first.ContentHash].PlatformID)
}

func TestApplyIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newFakeContentStore()
	d := normalize.NewDeduplicator(store, normalize.DedupConfig{}, zap.NewNop())
	ctx := context.Background()

	rec := record("reddit", "a1", "a post")
	out, err := d.Apply(ctx, &rec, false)
	require.NoError(t, err)
	require.Equal(t, normalize.OutcomeInserted, out)

	again := record("reddit", "a1", "a post")
	out, err = d.Apply(ctx, &again, false)
	require.NoError(t, err)
	require.Equal(t, normalize.OutcomeDuplicate, out)
}

func TestRefreshUpdatesInPlaceDespiteHashMatch(t *testing.T) {
	t.Parallel()

	store := newFakeContentStore()
	d := normalize.NewDeduplicator(store, normalize.DedupConfig{}, zap.NewNop())
	ctx := context.Background()

	rec := record("tiktok", "v1", "watch this")
	_, err := d.Apply(ctx, &rec, false)
	require.NoError(t, err)

	// Identical content hash, but flagged as a refresh: the two axes must
	// not be conflated, so this updates instead of being rejected.
	likes := int64(900)
	refreshed := record("tiktok", "v1", "watch this")
	refreshed.Engagement.Likes = &likes
	out, err := d.Apply(ctx, &refreshed, true)
	require.NoError(t, err)
	require.Equal(t, normalize.OutcomeRefreshed, out)
	require.Equal(t, 1, store.refreshs)
	require.Equal(t, int64(900), *store.byID[idKey("tiktok", "v1")].Engagement.Likes)
}

func TestRefreshOfUnknownRecordFails(t *testing.T) {
	t.Parallel()

	store := newFakeContentStore()
	d := normalize.NewDeduplicator(store, normalize.DedupConfig{}, zap.NewNop())

	rec := record("tiktok", "ghost", "never ingested")
	_, err := d.Apply(context.Background(), &rec, true)
	require.ErrorIs(t, err, arena.ErrRecordNotFound)
}

func TestConcurrentInsertLosesAsDuplicate(t *testing.T) {
	t.Parallel()

	store := newFakeContentStore()
	d := normalize.NewDeduplicator(store, normalize.DedupConfig{}, zap.NewNop())
	ctx := context.Background()

	winner := record("reddit", "w", "contested content")
	require.NoError(t, store.Insert(ctx, winner))

	// Exists check raced and missed; Insert reports the conflict.
	loser := record("reddit", "l", "different text entirely")
	loser.ContentHash = winner.ContentHash
	out, err := d.Apply(ctx, &loser, false)
	require.NoError(t, err)
	require.Equal(t, normalize.OutcomeDuplicate, out)
}

func TestNearDuplicateAnnotatesNeverDiscards(t *testing.T) {
	t.Parallel()

	store := newFakeContentStore()
	d := normalize.NewDeduplicator(store, normalize.DedupConfig{NearThreshold: 3}, zap.NewNop())
	ctx := context.Background()

	base := record("reddit", "n1", "the consumer price index rose in april")
	base.Simhash = 0xFFFF0000FFFF0000
	_, err := d.Apply(ctx, &base, false)
	require.NoError(t, err)

	// Two bits away from base: within the threshold, so annotated but
	// still inserted.
	near := record("reddit", "n2", "the consumer price index rose in march")
	near.Simhash = 0xFFFF0000FFFF0003
	out, err := d.Apply(ctx, &near, false)
	require.NoError(t, err)
	require.Equal(t, normalize.OutcomeInserted, out)
	require.Equal(t, base.ContentHash, near.LikelyDuplicateOf)

	unrelated := record("reddit", "n3", "playoff scores from last night")
	unrelated.Simhash = 0x0000FFFF0000FFFF
	out, err = d.Apply(ctx, &unrelated, false)
	require.NoError(t, err)
	require.Equal(t, normalize.OutcomeInserted, out)
	require.Empty(t, unrelated.LikelyDuplicateOf)
}

func TestNearLookupFailureNeverBlocksIngest(t *testing.T) {
	t.Parallel()

	store := newFakeContentStore()
	store.nearErr = context.DeadlineExceeded
	d := normalize.NewDeduplicator(store, normalize.DedupConfig{NearThreshold: 4}, zap.NewNop())

	rec := record("reddit", "x1", "ingest proceeds even when the near pass cannot run")
	out, err := d.Apply(context.Background(), &rec, false)
	require.NoError(t, err)
	require.Equal(t, normalize.OutcomeInserted, out)
	require.Empty(t, rec.LikelyDuplicateOf)
}

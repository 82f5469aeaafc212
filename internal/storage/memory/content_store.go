// Package memory provides in-memory persistence for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/arenalab/collection-core/internal/arena"
)

// ContentStore implements arena.ContentStore behind one mutex. Both unique
// axes (content_hash and platform/platform_id) are checked inside the same
// critical section, so first-write-wins holds under concurrency.
type ContentStore struct {
	mu     sync.RWMutex
	byHash map[string]arena.ContentRecord
	byID   map[string]arena.ContentRecord
	// order preserves insertion order for the near-hash window.
	order []string
}

// NewContentStore constructs an empty ContentStore.
func NewContentStore() *ContentStore {
	return &ContentStore{
		byHash: make(map[string]arena.ContentRecord),
		byID:   make(map[string]arena.ContentRecord),
	}
}

func idKey(platform, platformID string) string {
	return platform + "/" + platformID
}

// ExistsByHash reports whether a record with the content hash is persisted.
func (s *ContentStore) ExistsByHash(_ context.Context, contentHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byHash[contentHash]
	return ok, nil
}

// Insert persists a new record; conflicts on either unique axis fail with
// ErrDuplicateRecord.
func (s *ContentStore) Insert(_ context.Context, rec arena.ContentRecord) error {
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
	s.order = append(s.order, rec.ContentHash)
	return nil
}

// UpdateEngagement updates engagement in place by (platform, platform_id).
func (s *ContentStore) UpdateEngagement(_ context.Context, platform, platformID string, eng arena.Engagement, collectedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := idKey(platform, platformID)
	rec, ok := s.byID[key]
	if !ok {
		return arena.ErrRecordNotFound
	}
	if eng.Likes != nil {
		rec.Engagement.Likes = eng.Likes
	}
	if eng.Shares != nil {
		rec.Engagement.Shares = eng.Shares
	}
	if eng.Comments != nil {
		rec.Engagement.Comments = eng.Comments
	}
	if eng.Views != nil {
		rec.Engagement.Views = eng.Views
	}
	rec.CollectedAt = collectedAt
	s.byID[key] = rec
	s.byHash[rec.ContentHash] = rec
	return nil
}

// FindNearHashes returns up to limit recent fingerprints for the platform.
func (s *ContentStore) FindNearHashes(_ context.Context, platform string, limit int) (map[string]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]uint64)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.byHash[s.order[i]]
		if rec.Platform != platform || rec.Simhash == 0 {
			continue
		}
		out[rec.ContentHash] = rec.Simhash
	}
	return out, nil
}

// Get returns a record by its unique identity (testing convenience).
func (s *ContentStore) Get(_ context.Context, platform, platformID string) (arena.ContentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[idKey(platform, platformID)]
	if !ok {
		return arena.ContentRecord{}, arena.ErrRecordNotFound
	}
	return rec, nil
}

// Len reports the number of persisted records.
func (s *ContentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byHash)
}

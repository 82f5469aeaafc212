package normalize

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/arenalab/collection-core/internal/arena"
)

// Outcome is the deduplicator's verdict for one record.
type Outcome string

// Verdicts. Duplicates are discarded but counted; refreshes update in place.
const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRefreshed Outcome = "refreshed"
)

// DedupConfig tunes the optional near-duplicate pass.
type DedupConfig struct {
	// NearThreshold is the maximum Hamming distance annotated as a likely
	// duplicate. Zero disables the pass.
	NearThreshold int
	// NearWindow bounds how many persisted fingerprints are compared.
	NearWindow int
}

// Deduplicator applies the two dedup axes against a content store. The axes
// are never conflated: content_hash decides first-write-wins discard for new
// records; (platform, platform_id) decides update-in-place for refreshes.
type Deduplicator struct {
	store  arena.ContentStore
	cfg    DedupConfig
	logger *zap.Logger
}

// NewDeduplicator builds a Deduplicator over the given store.
func NewDeduplicator(store arena.ContentStore, cfg DedupConfig, logger *zap.Logger) *Deduplicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NearWindow <= 0 {
		cfg.NearWindow = 1000
	}
	return &Deduplicator{store: store, cfg: cfg, logger: logger}
}

// Apply persists, discards, or refreshes one record.
//
// Refresh items re-submit a previously ingested platform_id with updated
// engagement counts; they bypass content-hash dedup entirely. A refresh for a
// record that was never ingested is an error, not an insert.
func (d *Deduplicator) Apply(ctx context.Context, rec *arena.ContentRecord, refresh bool) (Outcome, error) {
	if refresh {
		err := d.store.UpdateEngagement(ctx, rec.Platform, rec.PlatformID, rec.Engagement, rec.CollectedAt)
		if err != nil {
			return "", fmt.Errorf("refresh engagement %s/%s: %w", rec.Platform, rec.PlatformID, err)
		}
		return OutcomeRefreshed, nil
	}

	exists, err := d.store.ExistsByHash(ctx, rec.ContentHash)
	if err != nil {
		return "", fmt.Errorf("check content hash: %w", err)
	}
	if exists {
		return OutcomeDuplicate, nil
	}

	d.annotateNear(ctx, rec)

	if err := d.store.Insert(ctx, *rec); err != nil {
		// A concurrent worker may win the first write between the exists
		// check and the insert; that is still a duplicate, not a failure.
		if errors.Is(err, arena.ErrDuplicateRecord) {
			return OutcomeDuplicate, nil
		}
		return "", fmt.Errorf("insert record %s/%s: %w", rec.Platform, rec.PlatformID, err)
	}
	return OutcomeInserted, nil
}

// annotateNear runs the secondary simhash pass. It only ever annotates; a
// near match never discards, and a failed lookup never blocks ingest.
func (d *Deduplicator) annotateNear(ctx context.Context, rec *arena.ContentRecord) {
	if d.cfg.NearThreshold <= 0 || rec.Simhash == 0 {
		return
	}
	candidates, err := d.store.FindNearHashes(ctx, rec.Platform, d.cfg.NearWindow)
	if err != nil {
		d.logger.Warn("near-duplicate lookup failed",
			zap.String("platform", rec.Platform),
			zap.Error(err),
		)
		return
	}
	best := ""
	bestDist := d.cfg.NearThreshold + 1
	for contentHash, fingerprint := range candidates {
		if contentHash == rec.ContentHash {
			continue
		}
		if dist := HammingDistance(rec.Simhash, fingerprint); dist < bestDist {
			best = contentHash
			bestDist = dist
		}
	}
	if best != "" {
		rec.LikelyDuplicateOf = best
	}
}

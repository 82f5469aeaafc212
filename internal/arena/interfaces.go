package arena

import (
	"context"
	"time"
)

// Collector is the contract every arena adapter implements. Adapters are the
// only code that knows a provider's wire format; the core never parses
// provider-specific payloads.
type Collector interface {
	// CollectByTerms runs a term search. Adapters that do not support
	// boolean grouping or date bounding must decline via Capabilities,
	// never silently return a partial result.
	CollectByTerms(ctx context.Context, q TermQuery) ([]RawItem, error)
	// CollectByActors fails with an UnsupportedOperationError when the
	// provider has no actor concept.
	CollectByActors(ctx context.Context, q ActorQuery) ([]RawItem, error)
	// Normalize is a pure function: no I/O, deterministic for identical input.
	Normalize(item RawItem) (ContentRecord, error)
	// HealthCheck performs one minimal live call. It never returns an error.
	HealthCheck(ctx context.Context) HealthStatus
	// EstimateCost is pure and used for pre-flight budget reservations.
	EstimateCost(req CostRequest) int64
	// Capabilities declares which optional operations the adapter supports.
	Capabilities() CapabilitySet
}

// StreamCollector is implemented by adapters holding a persistent connection.
// Stream pushes raw items onto out until ctx is canceled or the upstream
// connection closes; the adapter must close out before returning.
type StreamCollector interface {
	Collector
	Stream(ctx context.Context, q StreamQuery, out chan<- RawItem) error
}

// Factory constructs an adapter instance. Adapters are stateless across
// invocations; factories let tests and workers hold independent instances.
type Factory func() Collector

// ContentStore is the sole handoff interface to persistence.
type ContentStore interface {
	// ExistsByHash reports whether a record with the content hash is persisted.
	ExistsByHash(ctx context.Context, contentHash string) (bool, error)
	// Insert persists a new record. Inserting an existing (platform,
	// platform_id) is an error.
	Insert(ctx context.Context, rec ContentRecord) error
	// UpdateEngagement updates engagement fields in place by (platform,
	// platform_id), returning ErrRecordNotFound when no such record exists.
	UpdateEngagement(ctx context.Context, platform, platformID string, eng Engagement, collectedAt time.Time) error
	// FindNearHashes returns persisted (content_hash, simhash) pairs for the
	// near-duplicate pass. Implementations may return a bounded window.
	FindNearHashes(ctx context.Context, platform string, limit int) (map[string]uint64, error)
}

// RawStore archives raw provider payloads and returns a URI.
type RawStore interface {
	PutRaw(ctx context.Context, path string, data []byte) (string, error)
}

// Publisher pushes ingest events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RunStore reads and updates collection run state.
type RunStore interface {
	GetRun(ctx context.Context, runID string) (CollectionRun, error)
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errText string, counters RunCounters) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and lease IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

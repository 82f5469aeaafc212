// Package arena defines core types shared across subsystems.
package arena

import (
	"time"
)

// RunStatus represents the lifecycle state of a collection run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunStatusPending         RunStatus = "pending"
	RunStatusRunning         RunStatus = "running"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusFailed          RunStatus = "failed"
	RunStatusBudgetExhausted RunStatus = "budget_exhausted"
	RunStatusCanceled        RunStatus = "canceled"
)

// IsTerminal reports whether a run in this status accepts no further work.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusBudgetExhausted, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// Key identifies a registered adapter by arena and platform.
type Key struct {
	Arena    string `json:"arena"`
	Platform string `json:"platform"`
}

func (k Key) String() string {
	return k.Arena + "/" + k.Platform
}

// ArenaConfig captures the per-arena slice of a collection run.
type ArenaConfig struct {
	Key        Key               `json:"key"`
	Terms      []string          `json:"terms,omitempty"`
	TermGroups [][]string        `json:"term_groups,omitempty"`
	ActorIDs   []string          `json:"actor_ids,omitempty"`
	DateFrom   *time.Time        `json:"date_from,omitempty"`
	DateTo     *time.Time        `json:"date_to,omitempty"`
	MaxResults int               `json:"max_results,omitempty"`
	BatchSize  int               `json:"batch_size,omitempty"`
	Tier       string            `json:"tier,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// CollectionRun is the unit of work the orchestrator executes.
type CollectionRun struct {
	ID           string        `json:"id"`
	ArenaConfigs []ArenaConfig `json:"arena_configs"`
	Budget       int64         `json:"budget"`
	Status       RunStatus     `json:"status"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	ErrorText    string        `json:"error_text,omitempty"`
	Counters     RunCounters   `json:"counters"`
}

// RunCounters tracks per-run ingest stats.
type RunCounters struct {
	RecordsIngested   int `json:"records_ingested"`
	DuplicatesSkipped int `json:"duplicates_skipped"`
	Refreshed         int `json:"refreshed"`
	ItemsFailed       int `json:"items_failed"`
	OpsSkipped        int `json:"ops_skipped"`
	Retries           int `json:"retries"`
}

// TermQuery describes a term-search request handed to an adapter.
type TermQuery struct {
	Terms      []string
	TermGroups [][]string
	DateFrom   *time.Time
	DateTo     *time.Time
	MaxResults int
	Page       int
	Cursor     string
}

// ActorQuery describes an actor-search request handed to an adapter.
type ActorQuery struct {
	ActorIDs   []string
	DateFrom   *time.Time
	DateTo     *time.Time
	MaxResults int
	Page       int
	Cursor     string
}

// StreamQuery configures a long-lived streaming subscription.
type StreamQuery struct {
	Terms    []string
	ActorIDs []string
}

// CostRequest is the pre-flight shape the ledger prices before a call.
type CostRequest struct {
	Operation  string
	TermCount  int
	ActorCount int
	MaxResults int
}

// RawItem is an adapter-produced, provider-shaped payload. It exists only
// between adapter return and normalization.
type RawItem struct {
	// Fields holds the provider payload keyed by the provider's own names.
	Fields map[string]any
	// Refresh marks an intentional re-submission of a previously ingested
	// platform_id carrying updated engagement counts. Refresh items bypass
	// content-hash dedup and update in place.
	Refresh bool
}

// HealthStatus is the tri-state result of an adapter health check.
type HealthStatus string

// Health check outcomes. HealthCheck never returns an error.
const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// Capability names an optional adapter feature.
type Capability string

// Capabilities an adapter may declare.
const (
	CapTermSearch   Capability = "term_search"
	CapTermGroups   Capability = "term_groups"
	CapDateBounding Capability = "date_bounding"
	CapActorSearch  Capability = "actor_search"
	CapStreaming    Capability = "streaming"
)

// CapabilitySet is the feature set an adapter declares at registration.
type CapabilitySet map[Capability]bool

// Has reports whether the capability is declared.
func (c CapabilitySet) Has(cap Capability) bool {
	return c[cap]
}

// Engagement holds nullable per-field engagement metrics. Nil means the
// provider did not report the metric; zero means it reported zero.
type Engagement struct {
	Likes    *int64 `json:"likes,omitempty"`
	Shares   *int64 `json:"shares,omitempty"`
	Comments *int64 `json:"comments,omitempty"`
	Views    *int64 `json:"views,omitempty"`
}

// ContentRecord is the canonical output unit handed to storage.
// (Platform, PlatformID) is unique; ContentHash is the cross-adapter,
// cross-run dedup key.
type ContentRecord struct {
	Platform     string         `json:"platform"`
	Arena        string         `json:"arena"`
	PlatformID   string         `json:"platform_id"`
	ContentType  string         `json:"content_type"`
	TextContent  *string        `json:"text_content"`
	Title        *string        `json:"title"`
	URL          *string        `json:"url"`
	Language     *string        `json:"language"`
	PublishedAt  *time.Time     `json:"published_at"`
	CollectedAt  time.Time      `json:"collected_at"`
	AuthorHash   *string        `json:"author_hash"`
	Engagement   Engagement     `json:"engagement"`
	RawMetadata  map[string]any `json:"raw_metadata,omitempty"`
	MediaURLs    []string       `json:"media_urls,omitempty"`
	ContentHash  string         `json:"content_hash"`
	// Simhash is the 64-bit near-duplicate fingerprint of the normalized
	// text; zero when the record has no text.
	Simhash uint64 `json:"simhash,omitempty"`
	// LikelyDuplicateOf is set by the near-duplicate pass and never causes
	// a discard.
	LikelyDuplicateOf string `json:"likely_duplicate_of,omitempty"`
}

// CreditTransaction is an append-only ledger entry. Debits carry positive
// units, credits negative ones.
type CreditTransaction struct {
	RunID         string    `json:"run_id"`
	Provider      string    `json:"provider"`
	UnitsConsumed int64     `json:"units_consumed"`
	Timestamp     time.Time `json:"timestamp"`
}

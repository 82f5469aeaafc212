// Package events defines the run event stream emitted by the orchestrator
// and fans it out to sinks without ever blocking collection work.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported run stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageRunDone      Stage = "RUN_DONE"
	StageItemIngested Stage = "ITEM_INGESTED"
	StageItemDup      Stage = "ITEM_DUPLICATE"
	StageItemRefresh  Stage = "ITEM_REFRESHED"
	StageItemFailed   Stage = "ITEM_FAILED"
	StageOpSkipped    Stage = "OP_SKIPPED"
	StageBatchDone    Stage = "BATCH_DONE"
)

// Event captures a single milestone within a collection run.
type Event struct {
	// RunID identifies the collection run.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Platform scopes item and batch events to a provider.
	Platform string
	// Arena scopes item and batch events to an arena.
	Arena string
	// Status carries the terminal run status for RUN_DONE events.
	Status string
	// Units carries credit consumption for batch completions.
	Units int64
	// Dur captures execution latency for batch and run completions.
	Dur time.Duration
	// Note lets emitters attach low-volume context (error text, skipped op).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart:
	case StageRunDone:
		if e.Status == "" {
			return errors.New("run done requires status")
		}
	case StageItemIngested, StageItemDup, StageItemRefresh, StageItemFailed, StageOpSkipped, StageBatchDone:
		if e.Platform == "" {
			return errors.New("item event requires platform")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

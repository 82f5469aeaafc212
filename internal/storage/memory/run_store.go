package memory

import (
	"context"
	"sync"
	"time"

	"github.com/arenalab/collection-core/internal/arena"
)

// RunStore implements arena.RunStore for development/testing.
type RunStore struct {
	mu    sync.RWMutex
	clock arena.Clock
	runs  map[string]arena.CollectionRun
}

// NewRunStore constructs a RunStore.
func NewRunStore(clock arena.Clock) *RunStore {
	return &RunStore{
		clock: clock,
		runs:  make(map[string]arena.CollectionRun),
	}
}

// CreateRun stores a new run in pending status.
func (s *RunStore) CreateRun(_ context.Context, run arena.CollectionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return arena.ErrDuplicateRecord
	}
	if run.Status == "" {
		run.Status = arena.RunStatusPending
	}
	s.runs[run.ID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (arena.CollectionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return arena.CollectionRun{}, arena.ErrRecordNotFound
	}
	return run, nil
}

// UpdateRunStatus updates the status and counters for a run, stamping
// started/completed times on the relevant transitions.
func (s *RunStore) UpdateRunStatus(
	_ context.Context,
	runID string,
	status arena.RunStatus,
	errText string,
	counters arena.RunCounters,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return arena.ErrRecordNotFound
	}
	run.Status = status
	run.ErrorText = errText
	run.Counters = counters
	now := s.clock.Now().UTC()
	if status == arena.RunStatusRunning && run.StartedAt == nil {
		run.StartedAt = pointerTime(now)
	}
	if status.IsTerminal() && run.CompletedAt == nil {
		run.CompletedAt = pointerTime(now)
	}
	s.runs[runID] = run
	return nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

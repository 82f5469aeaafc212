package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/arenalab/collection-core/internal/arena"
)

type submitRunRequest struct {
	Budget int64              `json:"budget"`
	Stream bool               `json:"stream"`
	Arenas []arenaConfigInput `json:"arenas"`
}

type arenaConfigInput struct {
	Arena      string            `json:"arena"`
	Platform   string            `json:"platform"`
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

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	run, err := s.toRun(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.runs.CreateRun(r.Context(), run); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("create run: %v", err))
		return
	}

	execute := s.runner.Execute
	if req.Stream {
		execute = s.runner.ExecuteStream
	}
	go func() {
		if err := execute(s.baseCtx, run.ID); err != nil {
			s.logger.Error("run execution failed",
				zap.String("run_id", run.ID),
				zap.Error(err),
			)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
}

func (s *Server) toRun(req submitRunRequest) (arena.CollectionRun, error) {
	if req.Budget <= 0 {
		return arena.CollectionRun{}, errors.New("budget must be > 0")
	}
	if len(req.Arenas) == 0 {
		return arena.CollectionRun{}, errors.New("at least one arena required")
	}
	configs := make([]arena.ArenaConfig, 0, len(req.Arenas))
	for _, in := range req.Arenas {
		if in.Arena == "" || in.Platform == "" {
			return arena.CollectionRun{}, errors.New("arena and platform required for every entry")
		}
		key := arena.Key{Arena: in.Arena, Platform: in.Platform}
		if _, ok := s.registry.Lookup(key); !ok {
			return arena.CollectionRun{}, fmt.Errorf("no adapter registered for %s", key)
		}
		if len(in.Terms) == 0 && len(in.TermGroups) == 0 && len(in.ActorIDs) == 0 {
			return arena.CollectionRun{}, fmt.Errorf("%s: terms, term_groups, or actor_ids required", key)
		}
		configs = append(configs, arena.ArenaConfig{
			Key:        key,
			Terms:      in.Terms,
			TermGroups: in.TermGroups,
			ActorIDs:   in.ActorIDs,
			DateFrom:   in.DateFrom,
			DateTo:     in.DateTo,
			MaxResults: in.MaxResults,
			BatchSize:  in.BatchSize,
			Tier:       in.Tier,
			Tags:       in.Tags,
		})
	}

	runID, err := s.idGen.NewID()
	if err != nil {
		return arena.CollectionRun{}, fmt.Errorf("generate run id: %w", err)
	}
	return arena.CollectionRun{
		ID:           runID,
		ArenaConfigs: configs,
		Budget:       req.Budget,
		Status:       arena.RunStatusPending,
	}, nil
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	consumed, err := s.ledger.Consumed(r.Context(), runID)
	if err != nil {
		// Pending runs have no ledger entry yet.
		consumed = 0
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":            run,
		"units_consumed": consumed,
	})
}

func (s *Server) getRunCredits(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if _, err := s.runs.GetRun(r.Context(), runID); err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	txs, err := s.ledger.Transactions(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch transactions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if s.runner.Cancel(runID) {
		writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "canceling"})
		return
	}
	// Not in flight: cancel a still-pending run directly.
	run, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if run.Status != arena.RunStatusPending {
		writeError(w, http.StatusConflict, fmt.Sprintf("run is %s", run.Status))
		return
	}
	if err := s.runs.UpdateRunStatus(r.Context(), runID, arena.RunStatusCanceled, "canceled via API", run.Counters); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": string(arena.RunStatusCanceled)})
}

// Package api exposes the HTTP interface for the collection service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arenalab/collection-core/internal/arena"
	"github.com/arenalab/collection-core/internal/config"
	"github.com/arenalab/collection-core/internal/ledger"
	"github.com/arenalab/collection-core/internal/metrics"
	"github.com/arenalab/collection-core/internal/middleware"
	"github.com/arenalab/collection-core/internal/registry"
)

// RunStore is the persistence surface the API needs: run creation plus the
// read/update operations the orchestrator shares.
type RunStore interface {
	arena.RunStore
	CreateRun(ctx context.Context, run arena.CollectionRun) error
}

// Runner executes and cancels collection runs. Satisfied by the orchestrator.
type Runner interface {
	Execute(ctx context.Context, runID string) error
	ExecuteStream(ctx context.Context, runID string) error
	Cancel(runID string) bool
}

// Server wires HTTP handlers to the orchestrator and stores.
type Server struct {
	router   chi.Router
	runs     RunStore
	runner   Runner
	ledger   *ledger.Ledger
	registry *registry.Registry
	idGen    arena.IDGenerator
	clock    arena.Clock
	cfg      config.Config
	logger   *zap.Logger

	// baseCtx parents background run execution so runs outlive the
	// submitting request but stop on shutdown.
	baseCtx context.Context
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	baseCtx context.Context,
	runs RunStore,
	runner Runner,
	led *ledger.Ledger,
	reg *registry.Registry,
	idGen arena.IDGenerator,
	clock arena.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	s := &Server{
		runs:     runs,
		runner:   runner,
		ledger:   led,
		registry: reg,
		idGen:    idGen,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		baseCtx:  baseCtx,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(middleware.Metrics)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.submitRun)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Get("/credits", s.getRunCredits)
				r.Post("/cancel", s.cancelRun)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz sweeps every registered adapter with a bounded health check. Any
// adapter reporting down flips the endpoint to 503 while still returning the
// per-adapter detail.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	detail := map[string]string{}
	status := http.StatusOK
	for _, key := range s.registry.Keys() {
		factory, ok := s.registry.Lookup(key)
		if !ok {
			continue
		}
		health := factory().HealthCheck(ctx)
		detail[key.String()] = string(health)
		if health == arena.HealthDown {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]any{"adapters": detail})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Package orchestrator drives collection runs end to end: adapter lookup,
// resource acquisition, collection, normalization, and run accounting.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arenalab/collection-core/internal/arena"
	"github.com/arenalab/collection-core/internal/credential"
	"github.com/arenalab/collection-core/internal/events"
	"github.com/arenalab/collection-core/internal/ledger"
	"github.com/arenalab/collection-core/internal/metrics"
	"github.com/arenalab/collection-core/internal/normalize"
	"github.com/arenalab/collection-core/internal/ratelimit"
	"github.com/arenalab/collection-core/internal/registry"
)

// Config controls orchestrator behavior.
type Config struct {
	// ArenaConcurrency bounds the fan-out across arenas (default 4).
	ArenaConcurrency int
	// DefaultBatchSize splits terms/actors into adapter calls (default 25).
	DefaultBatchSize int
	// CallTimeout bounds one adapter call; distinct from the rate limiter's
	// own acquisition timeout (default 30s).
	CallTimeout time.Duration
	// MaxPages caps sequential pagination per batch (default 50).
	MaxPages int
	// RawPathPrefix enables raw payload archival when a raw store is wired.
	RawPathPrefix string
	// IngestTopic enables persisted-record notifications when a publisher is
	// wired.
	IngestTopic string
	// StreamBuffer sizes the bounded channel for streaming adapters
	// (default 256).
	StreamBuffer int
}

func (c Config) withDefaults() Config {
	if c.ArenaConcurrency <= 0 {
		c.ArenaConcurrency = 4
	}
	if c.DefaultBatchSize <= 0 {
		c.DefaultBatchSize = 25
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 50
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = 256
	}
	return c
}

// Orchestrator owns the run state machine. Error classification and all
// pool/limiter/ledger mutations happen here; adapters never touch shared
// resources.
type Orchestrator struct {
	registry *registry.Registry
	pool     *credential.Pool
	limiter  *ratelimit.Limiter
	ledger   *ledger.Ledger
	dedup    *normalize.Deduplicator
	runs     arena.RunStore
	raw      arena.RawStore
	pub      arena.Publisher
	emitter  events.Emitter
	retry    *arena.ExponentialRetryPolicy
	clock    arena.Clock
	cfg      Config
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// Deps collects the orchestrator's collaborators. Raw, Pub, and Emitter are
// optional.
type Deps struct {
	Registry *registry.Registry
	Pool     *credential.Pool
	Limiter  *ratelimit.Limiter
	Ledger   *ledger.Ledger
	Dedup    *normalize.Deduplicator
	Runs     arena.RunStore
	Raw      arena.RawStore
	Pub      arena.Publisher
	Emitter  events.Emitter
	Clock    arena.Clock
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry: deps.Registry,
		pool:     deps.Pool,
		limiter:  deps.Limiter,
		ledger:   deps.Ledger,
		dedup:    deps.Dedup,
		runs:     deps.Runs,
		raw:      deps.Raw,
		pub:      deps.Pub,
		emitter:  deps.Emitter,
		retry:    arena.NewExponentialRetryPolicy(),
		clock:    deps.Clock,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		active:   make(map[string]context.CancelFunc),
	}
}

// runState accumulates shared counters across arena goroutines.
type runState struct {
	mu              sync.Mutex
	counters        arena.RunCounters
	budgetExhausted bool
	arenaErrs       []string
	arenas          int
	failedArenas    int
}

func (s *runState) update(fn func(*arena.RunCounters)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.counters)
}

func (s *runState) snapshot() arena.RunCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

func (s *runState) markBudgetExhausted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgetExhausted = true
}

func (s *runState) markArenaFailed(key arena.Key, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedArenas++
	s.arenaErrs = append(s.arenaErrs, fmt.Sprintf("%s: %v", key, err))
}

// Execute runs one collection run to a terminal state. Partial failure never
// aborts the run; the final status reflects whether any progress occurred.
func (o *Orchestrator) Execute(ctx context.Context, runID string) error {
	run, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status != arena.RunStatusPending {
		return fmt.Errorf("run %s is %s, not pending", runID, run.Status)
	}

	if err := o.ledger.OpenRun(ctx, runID, run.Budget); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.trackRun(runID, cancel)
	defer o.untrackRun(runID)

	if err := o.runs.UpdateRunStatus(ctx, runID, arena.RunStatusRunning, "", arena.RunCounters{}); err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	started := o.clock.Now()
	o.emit(events.Event{RunID: runID, TS: started, Stage: events.StageRunStart})

	state := &runState{arenas: len(run.ArenaConfigs)}
	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(o.cfg.ArenaConcurrency)
	for _, ac := range run.ArenaConfigs {
		g.Go(func() error {
			o.processArena(gctx, run, ac, state)
			// Arena failures are recorded, never propagated: one bad arena
			// must not cancel its siblings.
			return nil
		})
	}
	_ = g.Wait()

	final, errText := o.finalStatus(runCtx, state)
	counters := state.snapshot()
	// Status updates use the parent context so cancellation still persists
	// the terminal state.
	if err := o.runs.UpdateRunStatus(context.WithoutCancel(ctx), runID, final, errText, counters); err != nil {
		return fmt.Errorf("persist terminal status: %w", err)
	}
	o.emit(events.Event{
		RunID:  runID,
		TS:     o.clock.Now(),
		Stage:  events.StageRunDone,
		Status: string(final),
		Dur:    o.clock.Now().Sub(started),
	})
	o.logger.Info("run finished",
		zap.String("run_id", runID),
		zap.String("status", string(final)),
		zap.Int("records_ingested", counters.RecordsIngested),
		zap.Int("duplicates_skipped", counters.DuplicatesSkipped),
		zap.Int("items_failed", counters.ItemsFailed),
	)
	return nil
}

// Cancel stops an in-flight run. Held leases and reservations are released
// by the unwinding workers before the run reaches its terminal state.
func (o *Orchestrator) Cancel(runID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[runID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) trackRun(runID string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[runID] = cancel
}

func (o *Orchestrator) untrackRun(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, runID)
}

func (o *Orchestrator) finalStatus(ctx context.Context, state *runState) (arena.RunStatus, string) {
	state.mu.Lock()
	defer state.mu.Unlock()
	errText := ""
	if len(state.arenaErrs) > 0 {
		errText = state.arenaErrs[0]
		for _, e := range state.arenaErrs[1:] {
			errText += "; " + e
		}
	}
	switch {
	case ctx.Err() != nil && !state.budgetExhausted:
		return arena.RunStatusCanceled, errText
	case state.budgetExhausted:
		return arena.RunStatusBudgetExhausted, errText
	case state.arenas > 0 && state.failedArenas == state.arenas && state.counters.RecordsIngested == 0:
		return arena.RunStatusFailed, errText
	default:
		return arena.RunStatusCompleted, errText
	}
}

// processArena executes one arena's slice of the run.
func (o *Orchestrator) processArena(ctx context.Context, run arena.CollectionRun, ac arena.ArenaConfig, state *runState) {
	factory, ok := o.registry.Lookup(ac.Key)
	if !ok {
		o.logger.Warn("no adapter registered", zap.String("key", ac.Key.String()))
		state.markArenaFailed(ac.Key, fmt.Errorf("no adapter registered"))
		return
	}
	collector := factory()
	caps := collector.Capabilities()

	if len(ac.TermGroups) > 0 && !caps.Has(arena.CapTermGroups) {
		// The adapter cannot express boolean grouping; a silent partial
		// result would be worse than a counted skip.
		o.skipOp(run.ID, ac.Key, "term groups unsupported", state)
		ac.TermGroups = nil
	}

	if (ac.DateFrom != nil || ac.DateTo != nil) && !caps.Has(arena.CapDateBounding) {
		o.skipOp(run.ID, ac.Key, "date bounding unsupported", state)
		ac.DateFrom, ac.DateTo = nil, nil
	}

	var arenaErr error
	if len(ac.Terms) > 0 || len(ac.TermGroups) > 0 {
		if caps.Has(arena.CapTermSearch) {
			if err := o.collectTerms(ctx, run, ac, collector, state); err != nil {
				arenaErr = err
			}
		} else {
			o.skipOp(run.ID, ac.Key, "term search unsupported", state)
		}
	}
	if len(ac.ActorIDs) > 0 {
		if caps.Has(arena.CapActorSearch) {
			if err := o.collectActors(ctx, run, ac, collector, state); err != nil && arenaErr == nil {
				arenaErr = err
			}
		} else {
			o.skipOp(run.ID, ac.Key, "actor search unsupported", state)
		}
	}

	if arenaErr != nil {
		if errors.Is(arenaErr, arena.ErrBudgetExhausted) {
			state.markBudgetExhausted()
			return
		}
		if errors.Is(arenaErr, context.Canceled) {
			return
		}
		state.markArenaFailed(ac.Key, arenaErr)
	}
}

func (o *Orchestrator) collectTerms(
	ctx context.Context,
	run arena.CollectionRun,
	ac arena.ArenaConfig,
	collector arena.Collector,
	state *runState,
) error {
	batchSize := ac.BatchSize
	if batchSize <= 0 {
		batchSize = o.cfg.DefaultBatchSize
	}
	batches := chunk(ac.Terms, batchSize)
	if len(batches) == 0 {
		// Group-only queries still make one call.
		batches = [][]string{nil}
	}
	for _, batch := range batches {
		q := arena.TermQuery{
			Terms:      batch,
			TermGroups: ac.TermGroups,
			DateFrom:   ac.DateFrom,
			DateTo:     ac.DateTo,
			MaxResults: ac.MaxResults,
		}
		// Groups are sent once, alongside the first batch.
		ac.TermGroups = nil
		err := o.paginate(ctx, run, ac, collector, state, func(callCtx context.Context, page int) ([]arena.RawItem, error) {
			pq := q
			pq.Page = page
			return collector.CollectByTerms(callCtx, pq)
		}, arena.CostRequest{
			Operation:  "term_search",
			TermCount:  len(batch),
			MaxResults: ac.MaxResults,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) collectActors(
	ctx context.Context,
	run arena.CollectionRun,
	ac arena.ArenaConfig,
	collector arena.Collector,
	state *runState,
) error {
	batchSize := ac.BatchSize
	if batchSize <= 0 {
		batchSize = o.cfg.DefaultBatchSize
	}
	for _, batch := range chunk(ac.ActorIDs, batchSize) {
		q := arena.ActorQuery{
			ActorIDs:   batch,
			DateFrom:   ac.DateFrom,
			DateTo:     ac.DateTo,
			MaxResults: ac.MaxResults,
		}
		err := o.paginate(ctx, run, ac, collector, state, func(callCtx context.Context, page int) ([]arena.RawItem, error) {
			pq := q
			pq.Page = page
			return collector.CollectByActors(callCtx, pq)
		}, arena.CostRequest{
			Operation:  "actor_search",
			ActorCount: len(batch),
			MaxResults: ac.MaxResults,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// paginate walks pages in order within one batch; pagination cursors are
// sequential and must not be reordered.
func (o *Orchestrator) paginate(
	ctx context.Context,
	run arena.CollectionRun,
	ac arena.ArenaConfig,
	collector arena.Collector,
	state *runState,
	call func(ctx context.Context, page int) ([]arena.RawItem, error),
	costReq arena.CostRequest,
) error {
	for page := 0; page < o.cfg.MaxPages; page++ {
		items, err := o.callWithResources(ctx, run.ID, ac, collector, costReq, func(callCtx context.Context) ([]arena.RawItem, error) {
			return call(callCtx, page)
		}, state)
		if err != nil {
			var unsupported *arena.UnsupportedOperationError
			if errors.As(err, &unsupported) {
				o.skipOp(run.ID, ac.Key, unsupported.Operation+" unsupported", state)
				return nil
			}
			return err
		}
		o.processItems(ctx, run.ID, ac, collector, items, state)
		// A short page means the provider is out of results. Without a page
		// size there is no way to tell a full page from a final one, so
		// unsized queries stop after the first call.
		if ac.MaxResults <= 0 || len(items) < ac.MaxResults {
			return nil
		}
	}
	return nil
}

// callWithResources performs the acquire-credential, acquire-slot,
// reserve-credit, invoke sequence with kind-aware retry. Every exit path
// releases the lease and settles the reservation.
func (o *Orchestrator) callWithResources(
	ctx context.Context,
	runID string,
	ac arena.ArenaConfig,
	collector arena.Collector,
	costReq arena.CostRequest,
	call func(ctx context.Context) ([]arena.RawItem, error),
	state *runState,
) ([]arena.RawItem, error) {
	estimate := collector.EstimateCost(costReq)
	var lastErr error
	for attempt := 0; ; attempt++ {
		items, err := o.attempt(ctx, runID, ac, collector, estimate, costReq, call)
		if err == nil {
			return items, nil
		}
		lastErr = err
		if errors.Is(err, arena.ErrBudgetExhausted) {
			return nil, err
		}
		kind := arena.Classify(err)
		if kind == arena.KindCanceled {
			if ctx.Err() != nil {
				return nil, err
			}
			// Only the per-call timeout expired; the run itself is alive.
			kind = arena.KindTransient
		}
		if !o.retry.ShouldRetry(kind, attempt+1) {
			return nil, lastErr
		}
		state.update(func(c *arena.RunCounters) { c.Retries++ })
		wait := o.retry.Backoff(err, attempt)
		o.logger.Debug("retrying after error",
			zap.String("run_id", runID),
			zap.String("platform", ac.Key.Platform),
			zap.String("kind", string(kind)),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// attempt is one pass through the resource pipeline.
func (o *Orchestrator) attempt(
	ctx context.Context,
	runID string,
	ac arena.ArenaConfig,
	collector arena.Collector,
	estimate int64,
	costReq arena.CostRequest,
	call func(ctx context.Context) ([]arena.RawItem, error),
) ([]arena.RawItem, error) {
	lease, err := o.pool.Acquire(ctx, ac.Key.Platform, ac.Tier, runID)
	if err != nil {
		return nil, err
	}
	releaseCtx := context.WithoutCancel(ctx)
	defer func() {
		if rerr := o.pool.Release(releaseCtx, lease); rerr != nil {
			o.logger.Warn("lease release failed", zap.String("lease_id", lease.ID), zap.Error(rerr))
		}
	}()

	if err := o.limiter.AcquireSlot(ctx, ac.Key.Platform); err != nil {
		return nil, err
	}

	res, err := o.ledger.Reserve(ctx, runID, ac.Key.Platform, estimate)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	items, err := call(callCtx)
	cancel()
	if err != nil {
		o.reportCallError(releaseCtx, ac.Key.Platform, lease, err)
		if rerr := o.ledger.Refund(releaseCtx, res); rerr != nil {
			o.logger.Warn("reservation refund failed", zap.String("run_id", runID), zap.Error(rerr))
		}
		metrics.ObserveCall(ac.Key.Platform, "error")
		return nil, err
	}

	// Post-hoc cost is priced on what actually came back.
	actualReq := costReq
	actualReq.MaxResults = len(items)
	actual := collector.EstimateCost(actualReq)
	if err := o.ledger.Commit(releaseCtx, res, actual); err != nil {
		o.logger.Warn("reservation commit failed", zap.String("run_id", runID), zap.Error(err))
	}
	metrics.ObserveCall(ac.Key.Platform, "ok")
	return items, nil
}

// reportCallError applies the classified error to the credential pool and
// rate limiter. This is the only place adapter failures mutate shared state.
func (o *Orchestrator) reportCallError(ctx context.Context, platform string, lease *credential.Lease, err error) {
	kind := arena.Classify(err)
	switch kind {
	case arena.KindRateLimit:
		var rl *arena.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			// The provider stated a wait: both the shared gate and the
			// credential honor it exactly.
			if lerr := o.limiter.ObserveRetryAfter(ctx, platform, rl.RetryAfter); lerr != nil {
				o.logger.Warn("cooldown propagation failed", zap.Error(lerr))
			}
			if perr := o.pool.ReportCooldown(ctx, lease, rl.RetryAfter); perr != nil {
				o.logger.Warn("credential cooldown failed", zap.Error(perr))
			}
			return
		}
		if perr := o.pool.ReportError(ctx, lease, kind); perr != nil {
			o.logger.Warn("credential cooldown failed", zap.Error(perr))
		}
	case arena.KindAuth:
		if perr := o.pool.ReportError(ctx, lease, kind); perr != nil {
			o.logger.Warn("credential retire failed", zap.Error(perr))
		}
	}
}

// processItems archives, normalizes, deduplicates, and persists one call's
// items. Per-item failures are recorded and never abort the batch.
func (o *Orchestrator) processItems(
	ctx context.Context,
	runID string,
	ac arena.ArenaConfig,
	collector arena.Collector,
	items []arena.RawItem,
	state *runState,
) {
	now := o.clock.Now()
	for i, item := range items {
		o.archiveRaw(ctx, runID, ac.Key, i, item)

		rec, err := collector.Normalize(item)
		if err != nil {
			o.itemFailed(runID, ac.Key, state, err)
			continue
		}
		outcome, err := o.dedup.Apply(ctx, &rec, item.Refresh)
		if err != nil {
			o.itemFailed(runID, ac.Key, state, err)
			continue
		}
		switch outcome {
		case normalize.OutcomeInserted:
			state.update(func(c *arena.RunCounters) { c.RecordsIngested++ })
			o.emit(events.Event{RunID: runID, TS: now, Stage: events.StageItemIngested, Platform: ac.Key.Platform, Arena: ac.Key.Arena})
			o.publishIngest(ctx, runID, rec)
		case normalize.OutcomeDuplicate:
			state.update(func(c *arena.RunCounters) { c.DuplicatesSkipped++ })
			o.emit(events.Event{RunID: runID, TS: now, Stage: events.StageItemDup, Platform: ac.Key.Platform, Arena: ac.Key.Arena})
		case normalize.OutcomeRefreshed:
			state.update(func(c *arena.RunCounters) { c.Refreshed++ })
			o.emit(events.Event{RunID: runID, TS: now, Stage: events.StageItemRefresh, Platform: ac.Key.Platform, Arena: ac.Key.Arena})
		}
	}
}

func (o *Orchestrator) archiveRaw(ctx context.Context, runID string, key arena.Key, idx int, item arena.RawItem) {
	if o.raw == nil || o.cfg.RawPathPrefix == "" {
		return
	}
	data, err := json.Marshal(item.Fields)
	if err != nil {
		o.logger.Warn("raw payload marshal failed", zap.Error(err))
		return
	}
	path := fmt.Sprintf("%s/%s/%s/%d-%d.json",
		o.cfg.RawPathPrefix, runID, key.Platform, o.clock.Now().UnixNano(), idx)
	if _, err := o.raw.PutRaw(ctx, path, data); err != nil {
		o.logger.Warn("raw payload archive failed", zap.String("path", path), zap.Error(err))
	}
}

func (o *Orchestrator) publishIngest(ctx context.Context, runID string, rec arena.ContentRecord) {
	if o.pub == nil || o.cfg.IngestTopic == "" {
		return
	}
	payload := map[string]any{
		"run_id":       runID,
		"platform":     rec.Platform,
		"arena":        rec.Arena,
		"platform_id":  rec.PlatformID,
		"content_hash": rec.ContentHash,
	}
	if _, err := o.pub.Publish(ctx, o.cfg.IngestTopic, payload); err != nil {
		o.logger.Warn("ingest publish failed", zap.Error(err))
	}
}

func (o *Orchestrator) itemFailed(runID string, key arena.Key, state *runState, err error) {
	state.update(func(c *arena.RunCounters) { c.ItemsFailed++ })
	o.emit(events.Event{
		RunID:    runID,
		TS:       o.clock.Now(),
		Stage:    events.StageItemFailed,
		Platform: key.Platform,
		Arena:    key.Arena,
		Note:     err.Error(),
	})
	o.logger.Debug("item failed", zap.String("run_id", runID), zap.String("platform", key.Platform), zap.Error(err))
}

func (o *Orchestrator) skipOp(runID string, key arena.Key, note string, state *runState) {
	state.update(func(c *arena.RunCounters) { c.OpsSkipped++ })
	o.emit(events.Event{
		RunID:    runID,
		TS:       o.clock.Now(),
		Stage:    events.StageOpSkipped,
		Platform: key.Platform,
		Arena:    key.Arena,
		Note:     note,
	})
	o.logger.Info("operation skipped",
		zap.String("run_id", runID),
		zap.String("key", key.String()),
		zap.String("reason", note),
	)
}

func (o *Orchestrator) emit(evt events.Event) {
	if o.emitter == nil {
		return
	}
	o.emitter.Emit(evt)
}

func chunk(values []string, size int) [][]string {
	if len(values) == 0 {
		return nil
	}
	var out [][]string
	for start := 0; start < len(values); start += size {
		end := start + size
		if end > len(values) {
			end = len(values)
		}
		out = append(out, values[start:end])
	}
	return out
}

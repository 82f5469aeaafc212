package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arenalab/collection-core/internal/arena"
	"github.com/arenalab/collection-core/internal/events"
)

// streamChargeEvery batches ledger debits for streaming consumption so a
// high-volume firehose does not hit the ledger per item.
const streamChargeEvery = 25

// ExecuteStream runs a long-lived streaming collection run. Unlike Execute it
// does not terminate on its own: it consumes until ctx is canceled, the
// upstream connections close, or the budget runs out.
func (o *Orchestrator) ExecuteStream(ctx context.Context, runID string) error {
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
			o.streamArena(gctx, run, ac, state, cancel)
			return nil
		})
	}
	_ = g.Wait()

	final, errText := o.finalStatus(runCtx, state)
	counters := state.snapshot()
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
	return nil
}

// streamArena holds one credential lease for the lifetime of the connection.
// cancelRun stops every sibling stream once the shared budget is exhausted.
func (o *Orchestrator) streamArena(
	ctx context.Context,
	run arena.CollectionRun,
	ac arena.ArenaConfig,
	state *runState,
	cancelRun context.CancelFunc,
) {
	factory, ok := o.registry.Lookup(ac.Key)
	if !ok {
		state.markArenaFailed(ac.Key, fmt.Errorf("no adapter registered"))
		return
	}
	collector := factory()
	streamer, ok := collector.(arena.StreamCollector)
	if !ok || !collector.Capabilities().Has(arena.CapStreaming) {
		o.skipOp(run.ID, ac.Key, "streaming unsupported", state)
		return
	}

	lease, err := o.pool.Acquire(ctx, ac.Key.Platform, ac.Tier, run.ID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			state.markArenaFailed(ac.Key, err)
		}
		return
	}
	releaseCtx := context.WithoutCancel(ctx)
	defer func() {
		if rerr := o.pool.Release(releaseCtx, lease); rerr != nil {
			o.logger.Warn("lease release failed", zap.String("lease_id", lease.ID), zap.Error(rerr))
		}
	}()

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	out := make(chan arena.RawItem, o.cfg.StreamBuffer)
	errCh := make(chan error, 1)
	go func() {
		// The adapter closes out before returning.
		errCh <- streamer.Stream(streamCtx, arena.StreamQuery{
			Terms:    ac.Terms,
			ActorIDs: ac.ActorIDs,
		}, out)
	}()

	perItem := collector.EstimateCost(arena.CostRequest{Operation: "stream", MaxResults: 1})
	pending := 0
	charge := func() bool {
		if pending == 0 || perItem == 0 {
			pending = 0
			return true
		}
		res, err := o.ledger.Reserve(releaseCtx, run.ID, ac.Key.Platform, perItem*int64(pending))
		if err != nil {
			if errors.Is(err, arena.ErrBudgetExhausted) {
				state.markBudgetExhausted()
				cancelRun()
			} else {
				o.logger.Warn("stream debit failed", zap.String("run_id", run.ID), zap.Error(err))
			}
			return false
		}
		// Streaming spend is known exactly, so commit equals the reserve.
		if cerr := o.ledger.Commit(releaseCtx, res, perItem*int64(pending)); cerr != nil {
			o.logger.Warn("stream commit failed", zap.String("run_id", run.ID), zap.Error(cerr))
		}
		pending = 0
		return true
	}

	for item := range out {
		o.processItems(ctx, run.ID, ac, collector, []arena.RawItem{item}, state)
		pending++
		if pending >= streamChargeEvery {
			if !charge() {
				break
			}
		}
	}
	// Drain whatever the adapter pushed before it noticed cancellation.
	for range out {
	}
	charge()

	if serr := <-errCh; serr != nil && !errors.Is(serr, context.Canceled) {
		kind := arena.Classify(serr)
		o.reportCallError(releaseCtx, ac.Key.Platform, lease, serr)
		if kind != arena.KindCanceled {
			state.markArenaFailed(ac.Key, serr)
		}
	}
}

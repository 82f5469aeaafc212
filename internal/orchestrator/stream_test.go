package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arenalab/collection-core/internal/arena"
)

// fakeStreamer pushes a fixed set of items, then either closes or holds the
// connection open until cancellation.
type fakeStreamer struct {
	fakeCollector
	items []arena.RawItem
	hold  bool
}

func (s *fakeStreamer) Stream(ctx context.Context, _ arena.StreamQuery, out chan<- arena.RawItem) error {
	defer close(out)
	for _, item := range s.items {
		select {
		case out <- item:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.hold {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func newHarnessStream(t *testing.T, fs *fakeStreamer) *harness {
	return newHarnessMulti(t, map[arena.Key]arena.Collector{fs.key: fs}, 1)
}

// TestExecuteStreamIngestsUntilUpstreamCloses consumes a finite stream and
// charges the ledger per item.
func TestExecuteStreamIngestsUntilUpstreamCloses(t *testing.T) {
	t.Parallel()

	fs := &fakeStreamer{
		fakeCollector: fakeCollector{
			key:  redditKey,
			caps: arena.CapabilitySet{arena.CapStreaming: true},
			cost: 2,
		},
		items: []arena.RawItem{
			rawItem("s1", "live one"),
			rawItem("s2", "live two"),
			rawItem("s3", "live three"),
		},
	}
	h := newHarnessStream(t, fs)
	h.createRun(t, arena.CollectionRun{
		ID:           "run-1",
		Budget:       100,
		ArenaConfigs: []arena.ArenaConfig{{Key: redditKey, Terms: []string{"x"}}},
	})

	require.NoError(t, h.orch.ExecuteStream(context.Background(), "run-1"))

	run, _ := h.runs.GetRun(context.Background(), "run-1")
	require.Equal(t, arena.RunStatusCompleted, run.Status)
	require.Equal(t, 3, run.Counters.RecordsIngested)

	consumed, err := h.led.Consumed(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, int64(6), consumed)
}

// TestExecuteStreamCancelReleasesLease cancels a held-open stream and
// verifies the lease is returned and already-ingested items survive.
func TestExecuteStreamCancelReleasesLease(t *testing.T) {
	t.Parallel()

	fs := &fakeStreamer{
		fakeCollector: fakeCollector{
			key:  redditKey,
			caps: arena.CapabilitySet{arena.CapStreaming: true},
			cost: 1,
		},
		items: []arena.RawItem{rawItem("s1", "before cancel")},
		hold:  true,
	}
	h := newHarnessStream(t, fs)
	h.createRun(t, arena.CollectionRun{
		ID:           "run-1",
		Budget:       100,
		ArenaConfigs: []arena.ArenaConfig{{Key: redditKey, Terms: []string{"x"}}},
	})

	done := make(chan error, 1)
	go func() {
		done <- h.orch.ExecuteStream(context.Background(), "run-1")
	}()

	require.Eventually(t, func() bool {
		return h.content.Len() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, h.orch.Cancel("run-1"))
	require.NoError(t, <-done)

	run, _ := h.runs.GetRun(context.Background(), "run-1")
	require.Equal(t, arena.RunStatusCanceled, run.Status)
	require.Equal(t, 1, run.Counters.RecordsIngested)
	require.Equal(t, 1, h.content.Len())

	live, err := h.creds.LiveLeases(context.Background(), "reddit-cred-0", time.Now())
	require.NoError(t, err)
	require.Zero(t, live)
}

// TestExecuteStreamSkipsNonStreamingAdapter counts the skip instead of
// failing the run.
func TestExecuteStreamSkipsNonStreamingAdapter(t *testing.T) {
	t.Parallel()

	fc := &fakeCollector{
		key:  redditKey,
		caps: arena.CapabilitySet{arena.CapTermSearch: true},
		cost: 1,
	}
	h := newHarness(t, fc, 1)
	h.createRun(t, arena.CollectionRun{
		ID:           "run-1",
		Budget:       100,
		ArenaConfigs: []arena.ArenaConfig{{Key: redditKey, Terms: []string{"x"}}},
	})

	require.NoError(t, h.orch.ExecuteStream(context.Background(), "run-1"))

	run, _ := h.runs.GetRun(context.Background(), "run-1")
	require.Equal(t, arena.RunStatusCompleted, run.Status)
	require.Equal(t, 1, run.Counters.OpsSkipped)
	require.Zero(t, run.Counters.RecordsIngested)
}

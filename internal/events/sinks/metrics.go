package sinks

import (
	"context"

	"github.com/arenalab/collection-core/internal/events"
	"github.com/arenalab/collection-core/internal/metrics"
)

// MetricsSink maps run events onto the process Prometheus collectors.
type MetricsSink struct{}

// NewMetricsSink returns a MetricsSink. metrics.Init must have run first.
func NewMetricsSink() *MetricsSink {
	return &MetricsSink{}
}

// Consume updates the collectors from the batch.
func (s *MetricsSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case events.StageRunStart:
			metrics.IncActiveRuns()
		case events.StageRunDone:
			metrics.DecActiveRuns()
			metrics.ObserveRun(evt.Status)
		case events.StageItemIngested:
			metrics.ObserveRecord(evt.Platform, "ingested")
		case events.StageItemDup:
			metrics.ObserveRecord(evt.Platform, "duplicate")
		case events.StageItemRefresh:
			metrics.ObserveRecord(evt.Platform, "refreshed")
		case events.StageItemFailed:
			metrics.ObserveRecord(evt.Platform, "failed")
		case events.StageOpSkipped:
			metrics.ObserveRecord(evt.Platform, "skipped")
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *MetricsSink) Close(context.Context) error {
	return nil
}

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetrics holds the instruments recorded by the sync engine. A nil
// *SyncMetrics is valid and records nothing.
type SyncMetrics struct {
	attempts       metric.Int64Counter
	retriesQueued  metric.Int64Counter
	poisonPills    metric.Int64Counter
	batches        metric.Int64Counter
	skippedRecords metric.Int64Counter
	remoteDuration metric.Float64Histogram
	sweepSize      metric.Int64Histogram
}

// NewSyncMetrics registers the sync instruments on meter. A nil meter falls back to the global provider.
func NewSyncMetrics(meter metric.Meter) (*SyncMetrics, error) {
	if meter == nil {
		meter = otel.Meter("synctrack.sync")
	}
	m := &SyncMetrics{}
	var err error
	if m.attempts, err = meter.Int64Counter("sync.attempts",
		metric.WithDescription("Sync attempts by category and result"),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, err
	}
	if m.retriesQueued, err = meter.Int64Counter("retry.enqueued",
		metric.WithDescription("Failed syncs written to the retry queue"),
		metric.WithUnit("{entry}")); err != nil {
		return nil, err
	}
	if m.poisonPills, err = meter.Int64Counter("retry.poisoned",
		metric.WithDescription("Retry entries pinned as undecodable"),
		metric.WithUnit("{entry}")); err != nil {
		return nil, err
	}
	if m.batches, err = meter.Int64Counter("ingest.batches",
		metric.WithDescription("Status batches processed by resulting status"),
		metric.WithUnit("{batch}")); err != nil {
		return nil, err
	}
	if m.skippedRecords, err = meter.Int64Counter("ingest.records.skipped",
		metric.WithDescription("Status records skipped because the subject could not be resolved"),
		metric.WithUnit("{record}")); err != nil {
		return nil, err
	}
	if m.remoteDuration, err = meter.Float64Histogram("sync.remote.duration",
		metric.WithDescription("Remote sync call duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.sweepSize, err = meter.Int64Histogram("retry.sweep.size",
		metric.WithDescription("Retry entries visited per sweep"),
		metric.WithUnit("{entry}")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordAttempt counts one orchestrator outcome.
func (m *SyncMetrics) RecordAttempt(ctx context.Context, category, result string) {
	if m == nil {
		return
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(SyncAttributes(Environment(), category, result)...))
}

// RecordRetryQueued counts one retry queue write.
func (m *SyncMetrics) RecordRetryQueued(ctx context.Context, category, kind string) {
	if m == nil {
		return
	}
	m.retriesQueued.Add(ctx, 1, metric.WithAttributes(ErrorAttributes(Environment(), kind, category)...))
}

// RecordPoison counts one poisoned entry.
func (m *SyncMetrics) RecordPoison(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.poisonPills.Add(ctx, 1, metric.WithAttributes(AttrEnvironment.String(Environment()), AttrCategory.String(category)))
}

// RecordBatch counts a batch status transition.
func (m *SyncMetrics) RecordBatch(ctx context.Context, feed, status string) {
	if m == nil {
		return
	}
	m.batches.Add(ctx, 1, metric.WithAttributes(BatchAttributes(Environment(), feed, status)...))
}

// RecordSkipped counts unresolved status records.
func (m *SyncMetrics) RecordSkipped(ctx context.Context, feed string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.skippedRecords.Add(ctx, int64(n), metric.WithAttributes(AttrEnvironment.String(Environment()), AttrFeed.String(feed)))
}

// ObserveRemote records the latency of one remote call.
func (m *SyncMetrics) ObserveRemote(ctx context.Context, category string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.remoteDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond),
		metric.WithAttributes(AttrEnvironment.String(Environment()), AttrCategory.String(category)))
}

// ObserveSweep records the number of entries one sweep visited.
func (m *SyncMetrics) ObserveSweep(ctx context.Context, visited int) {
	if m == nil {
		return
	}
	m.sweepSize.Record(ctx, int64(visited), metric.WithAttributes(AttrEnvironment.String(Environment())))
}

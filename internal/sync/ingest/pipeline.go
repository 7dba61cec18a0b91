// Package ingest pulls remote status feeds behind a persisted cursor and
// re-drives the stored partitions until every record has been dispatched.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/domain/ingeststore"
	"github.com/coachpo/synctrack/internal/domain/schema"
	"github.com/coachpo/synctrack/internal/observability"
	"github.com/coachpo/synctrack/internal/telemetry"
)

// Epoch is the start cursor of a feed that has never advanced.
const Epoch = "1970-01-01T00:00:00Z"

const (
	defaultPartitionSize   = 50
	defaultMaxBatchRetries = 5
	defaultBatchLimit      = 32
	defaultWorkers         = 4
)

// Page is one remote feed response.
type Page struct {
	Records    []json.RawMessage
	NextCursor string
	// Raw is the response body as received; when empty the records are stored instead.
	Raw json.RawMessage
}

// RemoteFeed pulls records starting at a cursor.
type RemoteFeed interface {
	Pull(ctx context.Context, feed, startCursor string) (Page, error)
}

// IdentityResolver maps an external subject identifier to an internal id.
type IdentityResolver interface {
	// Resolve reports ok=false when the identifier is unknown.
	Resolve(ctx context.Context, externalID string) (subjectID int64, ok bool, err error)
}

// Dispatcher forwards resolved status events downstream. Implementations must
// tolerate the same event being dispatched more than once.
type Dispatcher interface {
	Dispatch(ctx context.Context, event schema.StatusEvent) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, event schema.StatusEvent) error

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, event schema.StatusEvent) error {
	return f(ctx, event)
}

// PullResult describes one pull run.
type PullResult struct {
	PullID     string
	Feed       string
	Start      string
	NextCursor string
	Records    int
	Batches    int
	Advanced   bool
}

// BatchReport summarises one processing pass.
type BatchReport struct {
	Batches    int
	Done       int
	Errored    int
	Dispatched int
	Skipped    int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPartitionSize sets the number of records per stored batch.
func WithPartitionSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.partitionSize = n
		}
	}
}

// WithMaxBatchRetries bounds how often an ERROR batch is re-driven.
func WithMaxBatchRetries(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxBatchRetries = n
		}
	}
}

// WithBatchLimit caps the batches handled per pass.
func WithBatchLimit(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchLimit = n
		}
	}
}

// WithWorkers sets the per-batch record concurrency.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithLogger overrides the global logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics attaches sync instruments.
func WithMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(p *Pipeline) {
		p.metrics = metrics
	}
}

// Pipeline owns the pull and batch processing steps of every feed.
type Pipeline struct {
	store      ingeststore.Store
	feed       RemoteFeed
	resolver   IdentityResolver
	dispatcher Dispatcher

	partitionSize   int
	maxBatchRetries int
	batchLimit      int
	workers         int
	logger          observability.Logger
	metrics         *telemetry.SyncMetrics
}

// NewPipeline wires the pipeline collaborators.
func NewPipeline(store ingeststore.Store, feed RemoteFeed, resolver IdentityResolver, dispatcher Dispatcher, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:           store,
		feed:            feed,
		resolver:        resolver,
		dispatcher:      dispatcher,
		partitionSize:   defaultPartitionSize,
		maxBatchRetries: defaultMaxBatchRetries,
		batchLimit:      defaultBatchLimit,
		workers:         defaultWorkers,
		logger:          observability.Log(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Pull fetches the window after the feed's checkpoint, stores it as a pull with
// PENDING batches and then advances the checkpoint. Any failure before the
// batches are stored leaves the checkpoint untouched so the window is fetched again.
func (p *Pipeline) Pull(ctx context.Context, feed string) (PullResult, error) {
	feed = strings.TrimSpace(feed)
	result := PullResult{Feed: feed}
	if feed == "" {
		return result, errs.New("ingest", errs.CodeInvalid, errs.WithMessage("feed name required"))
	}

	start := Epoch
	cp, err := p.store.GetCheckpoint(ctx, feed)
	switch {
	case err == nil:
		start = cp.Cursor
	case errs.Is(err, errs.CodeNotFound):
	default:
		return result, fmt.Errorf("ingest checkpoint %s: %w", feed, err)
	}
	result.Start = start

	page, err := p.feed.Pull(ctx, feed, start)
	if err != nil {
		p.logger.Error("feed pull failed",
			observability.Field{Key: "feed", Value: feed},
			observability.Field{Key: "start", Value: start},
			observability.Field{Key: "error", Value: err},
		)
		return result, fmt.Errorf("ingest pull %s: %w", feed, err)
	}
	next := strings.TrimSpace(page.NextCursor)
	if next == "" {
		p.logger.Error("feed response missing cursor",
			observability.Field{Key: "feed", Value: feed},
			observability.Field{Key: "start", Value: start},
			observability.Field{Key: "records", Value: len(page.Records)},
		)
		return result, errs.New("ingest", errs.CodeMalformed,
			errs.WithMessage("feed response has no next cursor"), errs.WithField("feed", feed))
	}
	result.NextCursor = next
	result.Records = len(page.Records)

	raw := page.Raw
	if len(raw) == 0 {
		encoded, err := json.Marshal(page.Records)
		if err != nil {
			return result, errs.New("ingest", errs.CodeSerialization, errs.WithCause(err))
		}
		raw = encoded
	}
	chunks := Partition(page.Records, p.partitionSize)
	batches := make([]ingeststore.Batch, 0, len(chunks))
	for i, chunk := range chunks {
		encoded, err := json.Marshal(chunk)
		if err != nil {
			return result, errs.New("ingest", errs.CodeSerialization, errs.WithCause(err))
		}
		batches = append(batches, ingeststore.Batch{
			Feed:          feed,
			Sequence:      i,
			Payload:       encoded,
			PartitionSize: p.partitionSize,
			Status:        ingeststore.BatchPending,
		})
	}

	saved, err := p.store.SavePull(ctx, ingeststore.Pull{
		Feed:        feed,
		Payload:     raw,
		WindowStart: start,
		NextCursor:  next,
	}, batches)
	if err != nil {
		return result, fmt.Errorf("ingest save pull %s: %w", feed, err)
	}
	result.Batches = len(saved)
	if len(saved) > 0 {
		result.PullID = saved[0].PullID
	}

	advanced, err := p.store.AdvanceCheckpoint(ctx, feed, next)
	if err != nil {
		return result, fmt.Errorf("ingest advance %s: %w", feed, err)
	}
	result.Advanced = advanced
	p.logger.Debug("feed pulled",
		observability.Field{Key: "feed", Value: feed},
		observability.Field{Key: "start", Value: start},
		observability.Field{Key: "next_cursor", Value: next},
		observability.Field{Key: "records", Value: result.Records},
		observability.Field{Key: "batches", Value: result.Batches},
	)
	return result, nil
}

// PullAll pulls each feed in turn. A failing feed does not stop the others.
func (p *Pipeline) PullAll(ctx context.Context, feeds []string) ([]PullResult, error) {
	results := make([]PullResult, 0, len(feeds))
	var failures []error
	for _, feed := range feeds {
		if ctx.Err() != nil {
			break
		}
		res, err := p.Pull(ctx, feed)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		results = append(results, res)
	}
	return results, observability.AggregateErrors("ingest pull", failures)
}

// Partition splits records into consecutive chunks of at most size records,
// preserving order. A non-positive size yields a single chunk.
func Partition(records []json.RawMessage, size int) [][]json.RawMessage {
	if len(records) == 0 {
		return nil
	}
	if size <= 0 || size >= len(records) {
		return [][]json.RawMessage{records}
	}
	out := make([][]json.RawMessage, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		out = append(out, records[start:end:end])
	}
	return out
}

// ProcessBatches re-drives eligible batches. A batch is marked only after every
// one of its records has been attempted.
func (p *Pipeline) ProcessBatches(ctx context.Context) (BatchReport, error) {
	var report BatchReport
	batches, err := p.store.ListEligible(ctx, p.maxBatchRetries, p.batchLimit)
	if err != nil {
		return report, fmt.Errorf("ingest list batches: %w", err)
	}
	var failures []error
	for _, batch := range batches {
		if ctx.Err() != nil {
			break
		}
		report.Batches++
		started := time.Now()
		outcome := p.processBatch(ctx, batch)
		report.Dispatched += outcome.dispatched
		report.Skipped += outcome.skipped
		p.metrics.RecordSkipped(ctx, batch.Feed, outcome.skipped)

		if outcome.err != nil {
			if ctx.Err() != nil {
				// cancelled mid-batch; leave it for the next pass untouched
				break
			}
			report.Errored++
			if err := p.store.MarkError(ctx, batch.ID, outcome.err.Error()); err != nil {
				failures = append(failures, fmt.Errorf("batch %d: mark error: %w", batch.ID, err))
			}
			p.metrics.RecordBatch(ctx, batch.Feed, string(ingeststore.BatchError))
			p.logger.Error("batch failed",
				observability.Field{Key: "batch_id", Value: batch.ID},
				observability.Field{Key: "feed", Value: batch.Feed},
				observability.Field{Key: "retry_count", Value: batch.RetryCount + 1},
				observability.Field{Key: "error", Value: outcome.err},
			)
			continue
		}
		if err := p.store.MarkDone(ctx, batch.ID); err != nil {
			failures = append(failures, fmt.Errorf("batch %d: mark done: %w", batch.ID, err))
			continue
		}
		report.Done++
		p.metrics.RecordBatch(ctx, batch.Feed, string(ingeststore.BatchDone))
		p.logger.Debug("batch done",
			observability.Field{Key: "batch_id", Value: batch.ID},
			observability.Field{Key: "feed", Value: batch.Feed},
			observability.Field{Key: "dispatched", Value: outcome.dispatched},
			observability.Field{Key: "skipped", Value: outcome.skipped},
			observability.Field{Key: "elapsed", Value: time.Since(started)},
		)
	}
	return report, observability.AggregateErrors("ingest batches", failures)
}

type batchOutcome struct {
	dispatched int
	skipped    int
	err        error
}

func (p *Pipeline) processBatch(ctx context.Context, batch ingeststore.Batch) batchOutcome {
	var records []json.RawMessage
	if err := json.Unmarshal(batch.Payload, &records); err != nil {
		return batchOutcome{err: errs.New("ingest", errs.CodeSerialization,
			errs.WithMessage("batch payload undecodable"), errs.WithCause(err))}
	}

	var dispatched, skipped atomic.Int64
	workers := p.workers
	if workers > len(records) {
		workers = len(records)
	}
	if workers < 1 {
		workers = 1
	}
	wp := pool.New().WithErrors().WithMaxGoroutines(workers)
	for i, raw := range records {
		wp.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ok, err := p.handleRecord(ctx, batch, raw)
			switch {
			case err != nil:
				return fmt.Errorf("record %d: %w", i, err)
			case ok:
				dispatched.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	err := wp.Wait()
	return batchOutcome{dispatched: int(dispatched.Load()), skipped: int(skipped.Load()), err: err}
}

// handleRecord reports ok=false for records that are skipped rather than failed.
func (p *Pipeline) handleRecord(ctx context.Context, batch ingeststore.Batch, raw json.RawMessage) (bool, error) {
	var rec schema.StatusRecord
	if err := json.Unmarshal(raw, &rec); err != nil || strings.TrimSpace(rec.ExternalID) == "" {
		p.logger.Error("status record undecodable",
			observability.Field{Key: "batch_id", Value: batch.ID},
			observability.Field{Key: "feed", Value: batch.Feed},
			observability.Field{Key: "record", Value: string(raw)},
			observability.Field{Key: "error", Value: err},
		)
		return false, nil
	}
	subjectID, ok, err := p.resolver.Resolve(ctx, rec.ExternalID)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", rec.ExternalID, err)
	}
	if !ok {
		p.logger.Info("status record subject unknown",
			observability.Field{Key: "batch_id", Value: batch.ID},
			observability.Field{Key: "external_id", Value: rec.ExternalID},
		)
		return false, nil
	}
	event := schema.StatusEvent{
		SubjectID:  subjectID,
		ExternalID: rec.ExternalID,
		Status:     rec.Status,
		Kind:       rec.Kind,
		ReportedAt: rec.ReportedAt,
		Attributes: rec.Attributes,
	}
	if err := p.dispatcher.Dispatch(ctx, event); err != nil {
		return false, fmt.Errorf("dispatch %s: %w", event.IdempotencyKey(), err)
	}
	return true, nil
}

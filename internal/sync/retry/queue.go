// Package retry persists failed outbound syncs and re-drives them in bounded sweeps.
package retry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/domain/retrystore"
	"github.com/coachpo/synctrack/internal/domain/schema"
	"github.com/coachpo/synctrack/internal/observability"
	"github.com/coachpo/synctrack/internal/telemetry"
)

const (
	defaultMaxRetryCount = 5
	defaultBatchSize     = 128
)

// Route decodes and re-delivers the payloads of one category.
type Route struct {
	// Decode turns a stored payload back into the typed event.
	Decode func(payload json.RawMessage) (any, error)
	// Deliver re-enters the sync path as a re-attempt. The sync path resolves or
	// re-enqueues the entry itself; an error only reports that it could not.
	Deliver func(ctx context.Context, subjectID int64, event any) error
}

// Outcome classifies what RetryOne did with an entry.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeGone      Outcome = "gone"
	OutcomePoisoned  Outcome = "poisoned"
	OutcomeNoRoute   Outcome = "no_route"
	OutcomeFailed    Outcome = "failed"
)

// SweepReport summarises one sweep.
type SweepReport struct {
	Visited   int
	Delivered int
	Gone      int
	Poisoned  int
	Failed    int
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxRetryCount sets the bound below which entries stay eligible.
func WithMaxRetryCount(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetryCount = n
		}
	}
}

// WithBatchSize sets the number of entries fetched per sweep.
func WithBatchSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.batchSize = n
		}
	}
}

// WithLogger overrides the global logger.
func WithLogger(logger observability.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithMetrics records queue activity.
func WithMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(q *Queue) {
		q.metrics = metrics
	}
}

// Queue is the retry queue over a retrystore.Store.
type Queue struct {
	store         retrystore.Store
	maxRetryCount int
	batchSize     int
	logger        observability.Logger
	metrics       *telemetry.SyncMetrics

	mu     sync.RWMutex
	routes map[schema.Category]Route
}

// NewQueue constructs a queue backed by store.
func NewQueue(store retrystore.Store, opts ...Option) *Queue {
	q := &Queue{
		store:         store,
		maxRetryCount: defaultMaxRetryCount,
		batchSize:     defaultBatchSize,
		logger:        observability.Log(),
		routes:        make(map[schema.Category]Route),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Register installs the route for category, replacing any previous one.
func (q *Queue) Register(category schema.Category, route Route) error {
	if err := category.Validate(); err != nil {
		return err
	}
	if route.Decode == nil || route.Deliver == nil {
		return errs.New("retry/queue", errs.CodeInvalid, errs.WithMessage("route requires decode and deliver"))
	}
	q.mu.Lock()
	q.routes[category] = route
	q.mu.Unlock()
	return nil
}

// MaxRetryCount returns the configured eligibility bound.
func (q *Queue) MaxRetryCount() int {
	return q.maxRetryCount
}

// Enqueue records a failed sync. reattempt increments the retry count of an
// existing entry; the first failure of a key always starts at zero.
func (q *Queue) Enqueue(ctx context.Context, subjectID int64, category schema.Category, payload json.RawMessage, reason string, reattempt bool) (retrystore.Entry, error) {
	entry, err := q.store.Upsert(ctx, retrystore.Failure{
		SubjectID: subjectID,
		Category:  category,
		Payload:   payload,
		Reason:    strings.TrimSpace(reason),
		Reattempt: reattempt,
	})
	if err != nil {
		return retrystore.Entry{}, fmt.Errorf("retry enqueue: %w", err)
	}
	q.metrics.RecordRetryQueued(ctx, string(category), string(errs.KindTransient))
	q.logger.Info("sync queued for retry",
		observability.Field{Key: "subject_id", Value: subjectID},
		observability.Field{Key: "category", Value: string(category)},
		observability.Field{Key: "retry_count", Value: entry.RetryCount},
		observability.Field{Key: "reason", Value: entry.LastError},
	)
	return entry, nil
}

// Eligible returns entries with retry_count below maxRetryCount, oldest first.
func (q *Queue) Eligible(ctx context.Context, maxRetryCount, limit int) ([]retrystore.Entry, error) {
	if maxRetryCount <= 0 {
		maxRetryCount = q.maxRetryCount
	}
	if limit <= 0 {
		limit = q.batchSize
	}
	entries, err := q.store.ListEligible(ctx, maxRetryCount, limit)
	if err != nil {
		return nil, fmt.Errorf("retry eligible: %w", err)
	}
	return entries, nil
}

// Exceeded lists entries awaiting manual intervention.
func (q *Queue) Exceeded(ctx context.Context, limit int) ([]retrystore.Entry, error) {
	if limit <= 0 {
		limit = q.batchSize
	}
	entries, err := q.store.ListExceeded(ctx, q.maxRetryCount, limit)
	if err != nil {
		return nil, fmt.Errorf("retry exceeded: %w", err)
	}
	return entries, nil
}

// Requeue resets an exceeded entry so the next sweep picks it up again.
func (q *Queue) Requeue(ctx context.Context, subjectID int64, category schema.Category) error {
	if err := q.store.ResetCount(ctx, subjectID, category); err != nil {
		return fmt.Errorf("retry requeue: %w", err)
	}
	q.logger.Info("retry entry requeued",
		observability.Field{Key: "subject_id", Value: subjectID},
		observability.Field{Key: "category", Value: string(category)},
	)
	return nil
}

// Resolve removes the entry after a successful delivery. Missing entries are ignored.
func (q *Queue) Resolve(ctx context.Context, subjectID int64, category schema.Category) error {
	if err := q.store.Delete(ctx, subjectID, category); err != nil {
		return fmt.Errorf("retry resolve: %w", err)
	}
	return nil
}

// Pin keeps the entry for audit but removes it from every future sweep. Used
// when a re-attempt is rejected permanently.
func (q *Queue) Pin(ctx context.Context, subjectID int64, category schema.Category, reason string) error {
	if err := q.store.MarkPoisoned(ctx, subjectID, category, reason); err != nil {
		if errs.Is(err, errs.CodeNotFound) {
			return nil
		}
		return fmt.Errorf("retry pin: %w", err)
	}
	return nil
}

// RetryOne re-validates and re-delivers a single entry.
func (q *Queue) RetryOne(ctx context.Context, entry retrystore.Entry) (Outcome, error) {
	current, err := q.store.Get(ctx, entry.SubjectID, entry.Category)
	if err != nil {
		if errs.Is(err, errs.CodeNotFound) {
			return OutcomeGone, nil
		}
		return OutcomeFailed, fmt.Errorf("retry reload: %w", err)
	}

	q.mu.RLock()
	route, ok := q.routes[current.Category]
	q.mu.RUnlock()
	if !ok {
		return OutcomeNoRoute, errs.New("retry/queue", errs.CodeInvalid,
			errs.WithMessage("no route registered"), errs.WithField("category", string(current.Category)))
	}

	event, decodeErr := route.Decode(current.Payload)
	if decodeErr != nil {
		reason := fmt.Sprintf("undecodable payload: %v", decodeErr)
		if err := q.store.MarkPoisoned(ctx, current.SubjectID, current.Category, reason); err != nil {
			if errs.Is(err, errs.CodeNotFound) {
				return OutcomeGone, nil
			}
			return OutcomeFailed, fmt.Errorf("retry poison: %w", err)
		}
		q.metrics.RecordPoison(ctx, string(current.Category))
		q.logger.Error("retry entry poisoned",
			observability.Field{Key: "subject_id", Value: current.SubjectID},
			observability.Field{Key: "category", Value: string(current.Category)},
			observability.Field{Key: "error", Value: decodeErr},
		)
		return OutcomePoisoned, nil
	}

	if err := route.Deliver(ctx, current.SubjectID, event); err != nil {
		return OutcomeFailed, fmt.Errorf("retry deliver: %w", err)
	}
	return OutcomeDelivered, nil
}

// Sweep re-drives one batch of eligible entries. It stops early when ctx is done;
// every entry already visited has been durably handled.
func (q *Queue) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	entries, err := q.Eligible(ctx, q.maxRetryCount, q.batchSize)
	if err != nil {
		return report, err
	}
	var failures []error
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		report.Visited++
		outcome, err := q.RetryOne(ctx, entry)
		switch outcome {
		case OutcomeDelivered:
			report.Delivered++
		case OutcomeGone:
			report.Gone++
		case OutcomePoisoned:
			report.Poisoned++
		default:
			report.Failed++
		}
		if err != nil {
			failures = append(failures, fmt.Errorf("subject %d/%s: %w", entry.SubjectID, entry.Category, err))
		}
	}
	q.metrics.ObserveSweep(ctx, report.Visited)
	if len(entries) > 0 {
		q.logger.Debug("retry sweep finished",
			observability.Field{Key: "visited", Value: report.Visited},
			observability.Field{Key: "delivered", Value: report.Delivered},
			observability.Field{Key: "poisoned", Value: report.Poisoned},
			observability.Field{Key: "failed", Value: report.Failed},
		)
	}
	return report, observability.AggregateErrors("retry sweep", failures)
}

// Package orchestrator runs each sync flow: diff against the snapshot, call the
// remote authority, then persist the new state or hand the failure to the retry queue.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/domain/schema"
	"github.com/coachpo/synctrack/internal/domain/snapshotstore"
	"github.com/coachpo/synctrack/internal/observability"
	"github.com/coachpo/synctrack/internal/sync/formcache"
	"github.com/coachpo/synctrack/internal/sync/retry"
	"github.com/coachpo/synctrack/internal/sync/tracking"
	"github.com/coachpo/synctrack/internal/telemetry"
)

const component = "orchestrator"

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Snapshots snapshotstore.Store
	Queue     *retry.Queue
	Tracking  *tracking.Machine
	Remote    RemoteSync
	SSN       SSNLookup
	Forms     *formcache.Cache
	// Form is the consent form version secondary contacts are submitted against.
	Form    formcache.Key
	Logger  observability.Logger
	Metrics *telemetry.SyncMetrics
}

// Orchestrator implements the four sync flows.
type Orchestrator struct {
	snapshots snapshotstore.Store
	queue     *retry.Queue
	tracking  *tracking.Machine
	remote    RemoteSync
	ssn       SSNLookup
	forms     *formcache.Cache
	form      formcache.Key
	logger    observability.Logger
	metrics   *telemetry.SyncMetrics
}

// New validates deps and registers the retry routes of every category.
func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Snapshots == nil:
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("snapshot store required"))
	case deps.Queue == nil:
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("retry queue required"))
	case deps.Tracking == nil:
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("tracking machine required"))
	case deps.Remote == nil:
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("remote sync required"))
	}
	logger := deps.Logger
	if logger == nil {
		logger = observability.Log()
	}
	o := &Orchestrator{
		snapshots: deps.Snapshots,
		queue:     deps.Queue,
		tracking:  deps.Tracking,
		remote:    deps.Remote,
		ssn:       deps.SSN,
		forms:     deps.Forms,
		form:      deps.Form,
		logger:    logger,
		metrics:   deps.Metrics,
	}
	if err := o.registerRoutes(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) registerRoutes() error {
	routes := map[schema.Category]retry.Route{
		schema.CategoryAccountUpdate: {
			Decode: decodeAccount,
			Deliver: func(ctx context.Context, _ int64, event any) error {
				return o.redelivered(o.syncAccount(ctx, event.(schema.AccountPayload), true))
			},
		},
		schema.CategorySecondaryContactUpdate: {
			Decode: decodeAccount,
			Deliver: func(ctx context.Context, _ int64, event any) error {
				return o.redelivered(o.syncSecondary(ctx, event.(schema.AccountPayload), true))
			},
		},
		schema.CategoryTestSubjectUpdate: {
			Decode: decodeAccount,
			Deliver: func(ctx context.Context, _ int64, event any) error {
				return o.redelivered(o.syncTestFlag(ctx, event.(schema.AccountPayload), true))
			},
		},
	}
	orderRoute := retry.Route{
		Decode: decodeOrderStatus,
		Deliver: func(ctx context.Context, _ int64, event any) error {
			return o.redelivered(o.syncOrderStatus(ctx, event.(schema.OrderStatusEvent), true))
		},
	}
	for _, t := range schema.IdentifierTypes() {
		routes[schema.OrderStatusRetryCategory(t)] = orderRoute
	}
	for category, route := range routes {
		if err := o.queue.Register(category, route); err != nil {
			return fmt.Errorf("register %s: %w", category, err)
		}
	}
	return nil
}

// redelivered maps a re-attempt result onto the sweep's view: the flow has
// already re-queued or pinned the entry, so only transient failures count as failed.
func (o *Orchestrator) redelivered(res Result) error {
	if res.Err != nil && res.Err.Retryable() {
		return res.Err
	}
	return nil
}

func decodeAccount(payload json.RawMessage) (any, error) {
	var event schema.AccountPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	if event.SubjectID <= 0 {
		return nil, fmt.Errorf("subject id missing")
	}
	return event, nil
}

func decodeOrderStatus(payload json.RawMessage) (any, error) {
	var event schema.OrderStatusEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	if event.OrderID <= 0 {
		return nil, fmt.Errorf("order id missing")
	}
	return event, nil
}

// send performs the remote call and converts non-2xx answers into routed errors.
func (o *Orchestrator) send(ctx context.Context, req Request) (Response, error) {
	started := time.Now()
	resp, err := o.remote.Send(ctx, req)
	o.metrics.ObserveRemote(ctx, string(req.Category), time.Since(started))
	if err != nil {
		return resp, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		code := errs.CodeRemoteRejected
		if errs.KindForStatus(resp.StatusCode) == errs.KindTransient {
			code = errs.CodeUnavailable
		}
		return resp, errs.New(component, code,
			errs.WithHTTP(resp.StatusCode),
			errs.WithRawMessage(string(resp.Body)),
			errs.WithField("path", req.Path),
		)
	}
	return resp, nil
}

// fail routes err by kind. Transient failures are queued with payload; the
// others are logged and, when this was a re-attempt, pinned for audit.
func (o *Orchestrator) fail(ctx context.Context, category schema.Category, subjectID int64, payload json.RawMessage, reattempt bool, err error) Result {
	kind := errs.KindOf(err)
	syncErr := &SyncError{Kind: kind, Category: category, SubjectID: subjectID, Err: err}
	fields := []observability.Field{
		{Key: "subject_id", Value: subjectID},
		{Key: "category", Value: string(category)},
		{Key: "kind", Value: string(kind)},
		{Key: "reattempt", Value: reattempt},
		{Key: "error", Value: err},
	}

	if kind == errs.KindTransient && payload != nil {
		if _, qerr := o.queue.Enqueue(ctx, subjectID, category, payload, err.Error(), reattempt); qerr != nil {
			o.logger.Error("retry enqueue failed; sync attempt lost", append(fields, observability.Field{Key: "enqueue_error", Value: qerr})...)
		}
		o.metrics.RecordAttempt(ctx, string(category), telemetry.ResultQueued)
		return Result{Err: syncErr}
	}

	o.logger.Error("sync failed", fields...)
	if reattempt {
		if perr := o.queue.Pin(ctx, subjectID, category, err.Error()); perr != nil {
			o.logger.Error("retry pin failed", append(fields, observability.Field{Key: "pin_error", Value: perr})...)
		}
	}
	o.metrics.RecordAttempt(ctx, string(category), telemetry.ResultFailed)
	return Result{Err: syncErr}
}

func (o *Orchestrator) unchanged(ctx context.Context, category schema.Category, subjectID int64, reattempt bool) Result {
	if reattempt {
		o.resolve(ctx, category, subjectID)
	}
	o.metrics.RecordAttempt(ctx, string(category), telemetry.ResultUnchanged)
	return Result{}
}

func (o *Orchestrator) succeeded(ctx context.Context, category schema.Category, subjectID int64, changes []string) Result {
	o.resolve(ctx, category, subjectID)
	o.metrics.RecordAttempt(ctx, string(category), telemetry.ResultSynced)
	o.logger.Debug("sync delivered",
		observability.Field{Key: "subject_id", Value: subjectID},
		observability.Field{Key: "category", Value: string(category)},
		observability.Field{Key: "changes", Value: changes},
	)
	return Result{Synced: true, Changes: changes}
}

func (o *Orchestrator) resolve(ctx context.Context, category schema.Category, subjectID int64) {
	if err := o.queue.Resolve(ctx, subjectID, category); err != nil {
		o.logger.Error("retry resolve failed",
			observability.Field{Key: "subject_id", Value: subjectID},
			observability.Field{Key: "category", Value: string(category)},
			observability.Field{Key: "error", Value: err},
		)
	}
}

// storeSnapshot persists the new snapshot after a successful remote call. A
// failure here only means the next event is re-sent, so it is logged.
func (o *Orchestrator) storeSnapshot(ctx context.Context, category schema.Category, subjectID int64, payload any) {
	encoded, err := json.Marshal(payload)
	if err == nil {
		_, err = o.snapshots.Upsert(ctx, subjectID, category, encoded)
	}
	if err != nil {
		o.logger.Error("snapshot write failed after remote sync",
			observability.Field{Key: "subject_id", Value: subjectID},
			observability.Field{Key: "category", Value: string(category)},
			observability.Field{Key: "error", Value: err},
		)
	}
}

// loadAccountSnapshot returns nil when no usable snapshot exists. An
// undecodable snapshot is treated as absent so the subject is fully re-synced.
func (o *Orchestrator) loadAccountSnapshot(ctx context.Context, subjectID int64, category schema.Category) (*schema.AccountPayload, error) {
	snap, err := o.snapshots.Get(ctx, subjectID, category)
	if err != nil {
		if errs.Is(err, errs.CodeNotFound) {
			return nil, nil
		}
		return nil, errs.New(component, errs.CodeUnavailable, errs.WithMessage("snapshot read"), errs.WithCause(err))
	}
	var payload schema.AccountPayload
	if err := json.Unmarshal(snap.Payload, &payload); err != nil {
		o.logger.Error("snapshot undecodable; treating as absent",
			observability.Field{Key: "subject_id", Value: subjectID},
			observability.Field{Key: "category", Value: string(category)},
			observability.Field{Key: "error", Value: err},
		)
		return nil, nil
	}
	return &payload, nil
}

func invalid(msg string) error {
	return errs.New(component, errs.CodeInvalid, errs.WithMessage(msg))
}

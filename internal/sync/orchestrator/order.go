package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/domain/schema"
	"github.com/coachpo/synctrack/internal/observability"
	"github.com/coachpo/synctrack/internal/sync/tracking"
)

type orderStatusBody struct {
	SubjectID      int64                 `json:"subjectId"`
	Identifier     string                `json:"identifier"`
	IdentifierType schema.IdentifierType `json:"identifierType"`
	StatusType     tracking.StatusType   `json:"statusType"`
	OccurredAt     time.Time             `json:"occurredAt"`
	Details        map[string]any        `json:"details,omitempty"`
}

// acknowledgeAttempts bounds the local retries of the tracking write that
// follows an accepted remote status.
const acknowledgeAttempts = 4

// SyncOrderStatus reports an order status when it advances the tracked status
// of its identifier. Retry entries are keyed by order id and scoped to the
// identifier type, so each identifier of an order is retried on its own.
func (o *Orchestrator) SyncOrderStatus(ctx context.Context, event schema.OrderStatusEvent) Result {
	return o.syncOrderStatus(ctx, event, false)
}

func (o *Orchestrator) syncOrderStatus(ctx context.Context, event schema.OrderStatusEvent, reattempt bool) Result {
	category := schema.OrderStatusRetryCategory(event.IdentifierType)
	key := event.OrderID
	if key <= 0 {
		return o.fail(ctx, category, key, nil, reattempt, invalid("order id required"))
	}
	event.Status = schema.NormalizeOrderStatus(string(event.Status))
	payload, err := json.Marshal(event)
	if err != nil {
		return o.fail(ctx, category, key, nil, reattempt, errs.New(component, errs.CodeSerialization, errs.WithCause(err)))
	}

	decision, err := o.tracking.Plan(ctx, event)
	if err != nil {
		if errs.Is(err, errs.CodeInvalid) {
			return o.fail(ctx, category, key, nil, reattempt, err)
		}
		return o.fail(ctx, category, key, payload, reattempt, err)
	}
	if !decision.Advance {
		return o.unchanged(ctx, category, key, reattempt)
	}
	if decision.Record == nil {
		if _, err := o.tracking.Ensure(ctx, event.OrderID, event.Identifier, event.IdentifierType); err != nil {
			return o.fail(ctx, category, key, payload, reattempt, err)
		}
	}

	encoded, err := json.Marshal(orderStatusBody{
		SubjectID:      event.SubjectID,
		Identifier:     event.Identifier,
		IdentifierType: event.IdentifierType,
		StatusType:     decision.StatusType,
		OccurredAt:     event.OccurredAt,
		Details:        event.Details,
	})
	if err != nil {
		return o.fail(ctx, category, key, nil, reattempt, errs.New(component, errs.CodeSerialization, errs.WithCause(err)))
	}
	path := fmt.Sprintf("/orders/%d/statuses", event.OrderID)
	if decision.Verb == tracking.VerbUpdate {
		path = fmt.Sprintf("/orders/%d/statuses/%s", event.OrderID, event.IdentifierType)
	}
	resp, err := o.send(ctx, Request{
		Category:  schema.CategoryOrderStatusUpdate,
		SubjectID: event.SubjectID,
		Method:    string(decision.Verb),
		Path:      path,
		Body:      encoded,
		Headers: map[string]string{
			"Idempotency-Key": fmt.Sprintf("%d:%s:%s", event.OrderID, event.IdentifierType, event.Status),
		},
	})
	if err != nil {
		return o.fail(ctx, category, key, payload, reattempt, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return o.fail(ctx, category, key, payload, reattempt, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("status not acknowledged"), errs.WithField("http", fmt.Sprint(resp.StatusCode))))
	}
	if err := o.acknowledge(ctx, event); err != nil {
		// the remote side has the status; the queued resend carries the same Idempotency-Key
		return o.fail(ctx, category, key, payload, reattempt, err)
	}
	return o.succeeded(ctx, category, key, []string{string(decision.StatusType)})
}

// acknowledge records the accepted status, retrying the local write a few
// times so a brief store outage does not turn into a second remote create.
func (o *Orchestrator) acknowledge(ctx context.Context, event schema.OrderStatusEvent) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 50 * time.Millisecond
	exp.MaxInterval = time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := o.tracking.Acknowledge(ctx, event.OrderID, event.Identifier, event.IdentifierType, event.Status)
		if err != nil && errs.Is(err, errs.CodeInvalid) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(exp), backoff.WithMaxTries(acknowledgeAttempts))
	if err != nil {
		o.logger.Error("tracking acknowledge failed after remote accepted status",
			observability.Field{Key: "order_id", Value: event.OrderID},
			observability.Field{Key: "identifier_type", Value: string(event.IdentifierType)},
			observability.Field{Key: "error", Value: err},
		)
	}
	return err
}

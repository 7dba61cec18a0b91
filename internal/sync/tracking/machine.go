// Package tracking decides create-vs-update semantics and monotonic status
// progression for order identifiers synced to the remote authority.
package tracking

import (
	"context"
	"fmt"

	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/domain/schema"
	"github.com/coachpo/synctrack/internal/domain/trackingstore"
	"github.com/coachpo/synctrack/internal/observability"
)

// Verb is the HTTP method used for a status message.
type Verb string

const (
	VerbCreate Verb = "POST"
	VerbUpdate Verb = "PUT"
)

var statusOrdinal = map[schema.OrderStatus]int{
	schema.OrderStatusCreated:         1,
	schema.OrderStatusPendingShipment: 2,
	schema.OrderStatusShipped:         3,
	schema.OrderStatusDelivered:       4,
	schema.OrderStatusReturned:        5,
}

// Ordinal returns the position of status in the progression, or 0 when the
// status is unknown or the ERROR sentinel.
func Ordinal(status schema.OrderStatus) int {
	return statusOrdinal[status]
}

// ResolveVerb picks POST until the remote side has acknowledged a status for the identifier.
func ResolveVerb(rec *trackingstore.Record) Verb {
	if !rec.Acknowledged() {
		return VerbCreate
	}
	return VerbUpdate
}

// IsAdvance reports whether candidate should be synced given the last acknowledged status.
// Unknown statuses never advance. ERROR is superseded by any other known status;
// ERROR itself is reported unless the identifier already reached DELIVERED or RETURNED.
func IsAdvance(candidate schema.OrderStatus, rec *trackingstore.Record) bool {
	candidate = schema.NormalizeOrderStatus(string(candidate))
	if Ordinal(candidate) == 0 && candidate != schema.OrderStatusError {
		return false
	}
	if !rec.Acknowledged() {
		return true
	}
	previous := schema.NormalizeOrderStatus(*rec.LastMessageStatus)
	if previous == schema.OrderStatusError {
		return candidate != schema.OrderStatusError
	}
	if candidate == schema.OrderStatusError {
		return Ordinal(previous) < Ordinal(schema.OrderStatusDelivered)
	}
	next := Ordinal(candidate)
	return next > 0 && next > Ordinal(previous)
}

// Decision is the outcome of planning a status sync.
type Decision struct {
	Record     *trackingstore.Record
	Verb       Verb
	Advance    bool
	StatusType StatusType
}

// Machine binds the ordering policy to a tracking store.
type Machine struct {
	store  trackingstore.Store
	logger observability.Logger
}

// NewMachine constructs a Machine. A nil logger uses the global logger.
func NewMachine(store trackingstore.Store, logger observability.Logger) *Machine {
	if logger == nil {
		logger = observability.Log()
	}
	return &Machine{store: store, logger: logger}
}

// Lookup returns the record or nil when the identifier is unseen.
func (m *Machine) Lookup(ctx context.Context, orderID int64, identifierType schema.IdentifierType) (*trackingstore.Record, error) {
	rec, err := m.store.Get(ctx, orderID, identifierType)
	if err != nil {
		if errs.Is(err, errs.CodeNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("tracking lookup: %w", err)
	}
	return &rec, nil
}

// Ensure moves an unseen identifier to tracked with no acknowledged status.
func (m *Machine) Ensure(ctx context.Context, orderID int64, identifier string, identifierType schema.IdentifierType) (trackingstore.Record, error) {
	rec, err := m.store.Ensure(ctx, orderID, identifier, identifierType)
	if err != nil {
		return trackingstore.Record{}, fmt.Errorf("tracking ensure: %w", err)
	}
	return rec, nil
}

// Plan evaluates an event against the stored record without writing anything.
func (m *Machine) Plan(ctx context.Context, event schema.OrderStatusEvent) (Decision, error) {
	if !event.IdentifierType.Valid() {
		return Decision{}, errs.New("tracking", errs.CodeInvalid,
			errs.WithMessage("unsupported identifier type"), errs.WithField("identifier_type", string(event.IdentifierType)))
	}
	status := schema.NormalizeOrderStatus(string(event.Status))
	statusType, ok := ResolveStatusType(OperationFor(event.IdentifierType), status)
	if !ok {
		return Decision{}, errs.New("tracking", errs.CodeInvalid,
			errs.WithMessage("no status type for identifier and status"),
			errs.WithField("identifier_type", string(event.IdentifierType)),
			errs.WithField("status", string(status)))
	}
	rec, err := m.Lookup(ctx, event.OrderID, event.IdentifierType)
	if err != nil {
		return Decision{}, err
	}
	decision := Decision{
		Record:     rec,
		Verb:       ResolveVerb(rec),
		Advance:    IsAdvance(status, rec),
		StatusType: statusType,
	}
	if !decision.Advance {
		last := ""
		if rec.Acknowledged() {
			last = *rec.LastMessageStatus
		}
		m.logger.Info("order status not an advance; skipping",
			observability.Field{Key: "order_id", Value: event.OrderID},
			observability.Field{Key: "identifier_type", Value: string(event.IdentifierType)},
			observability.Field{Key: "candidate", Value: string(status)},
			observability.Field{Key: "last_status", Value: last},
		)
	}
	return decision, nil
}

// Acknowledge records status as the last one the remote side accepted. Call it
// only after a 200/201 response.
func (m *Machine) Acknowledge(ctx context.Context, orderID int64, identifier string, identifierType schema.IdentifierType, status schema.OrderStatus) error {
	if _, err := m.store.Ensure(ctx, orderID, identifier, identifierType); err != nil {
		return fmt.Errorf("tracking acknowledge: %w", err)
	}
	if err := m.store.SetLastStatus(ctx, orderID, identifierType, string(schema.NormalizeOrderStatus(string(status)))); err != nil {
		return fmt.Errorf("tracking acknowledge: %w", err)
	}
	return nil
}

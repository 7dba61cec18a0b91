package schema

import (
	"strings"
	"time"
)

// OrderStatus is a kit order lifecycle status as understood by the remote authority.
type OrderStatus string

const (
	// OrderStatusCreated marks an order accepted by fulfilment.
	OrderStatusCreated OrderStatus = "CREATED"
	// OrderStatusPendingShipment marks an order awaiting carrier pickup.
	OrderStatusPendingShipment OrderStatus = "PENDING_SHIPMENT"
	// OrderStatusShipped marks an order handed to the carrier.
	OrderStatusShipped OrderStatus = "SHIPPED"
	// OrderStatusDelivered marks an order delivered to the participant.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusReturned marks a sample returned to the lab.
	OrderStatusReturned OrderStatus = "RETURNED"
	// OrderStatusError is the sentinel reported when fulfilment failed.
	OrderStatusError OrderStatus = "ERROR"
)

// NormalizeOrderStatus trims and uppercases the status.
func NormalizeOrderStatus(s string) OrderStatus {
	return OrderStatus(strings.ToUpper(strings.TrimSpace(s)))
}

// IdentifierType distinguishes the identifiers tracked for a single order.
type IdentifierType string

const (
	// IdentifierOrderID tracks the order reference itself.
	IdentifierOrderID IdentifierType = "ORDER_ID"
	// IdentifierParticipantTracking tracks the outbound carrier number.
	IdentifierParticipantTracking IdentifierType = "PARTICIPANT_TRACKING_ID"
	// IdentifierReturnTracking tracks the return carrier number.
	IdentifierReturnTracking IdentifierType = "RETURN_TRACKING_ID"
)

// Valid reports whether the identifier type is known.
func (t IdentifierType) Valid() bool {
	switch t {
	case IdentifierOrderID, IdentifierParticipantTracking, IdentifierReturnTracking:
		return true
	}
	return false
}

// IdentifierTypes returns the tracked identifier types in a stable order.
func IdentifierTypes() []IdentifierType {
	return []IdentifierType{IdentifierOrderID, IdentifierParticipantTracking, IdentifierReturnTracking}
}

// OrderStatusEvent reports a new status for one identifier of an order.
type OrderStatusEvent struct {
	OrderID        int64          `json:"orderId"`
	SubjectID      int64          `json:"subjectId"`
	Identifier     string         `json:"identifier"`
	IdentifierType IdentifierType `json:"identifierType"`
	Status         OrderStatus    `json:"status"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Details        map[string]any `json:"details,omitempty"`
}

// StatusRecord is a raw status row returned by a remote status feed.
type StatusRecord struct {
	ExternalID string         `json:"externalId"`
	Status     string         `json:"status"`
	Kind       string         `json:"kind,omitempty"`
	ReportedAt time.Time      `json:"reportedAt"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// StatusEvent is a status record resolved to an internal subject.
type StatusEvent struct {
	SubjectID  int64          `json:"subjectId"`
	ExternalID string         `json:"externalId"`
	Status     string         `json:"status"`
	Kind       string         `json:"kind,omitempty"`
	ReportedAt time.Time      `json:"reportedAt"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// IdempotencyKey identifies a status event for downstream de-duplication.
func (e StatusEvent) IdempotencyKey() string {
	var b strings.Builder
	b.WriteString(e.ExternalID)
	b.WriteByte('|')
	b.WriteString(strings.ToUpper(strings.TrimSpace(e.Status)))
	b.WriteByte('|')
	b.WriteString(e.ReportedAt.UTC().Format(time.RFC3339Nano))
	return b.String()
}

package tracking

import "github.com/coachpo/synctrack/internal/domain/schema"

// Operation is the remote message family an identifier reports under.
type Operation string

const (
	OperationOrder    Operation = "ORDER"
	OperationShipment Operation = "SHIPMENT"
	OperationReturn   Operation = "RETURN"
)

// StatusType is the remote message type for an (operation, status) pair.
type StatusType string

const (
	StatusOrderCreated      StatusType = "ORDER_CREATED"
	StatusOrderPending      StatusType = "ORDER_PENDING_SHIPMENT"
	StatusOrderError        StatusType = "ORDER_ERROR"
	StatusShipmentInTransit StatusType = "SHIPMENT_IN_TRANSIT"
	StatusShipmentDelivered StatusType = "SHIPMENT_DELIVERED"
	StatusShipmentError     StatusType = "SHIPMENT_ERROR"
	StatusReturnInTransit   StatusType = "RETURN_IN_TRANSIT"
	StatusReturnDelivered   StatusType = "RETURN_DELIVERED"
	StatusReturnReceived    StatusType = "RETURN_RECEIVED"
	StatusReturnError       StatusType = "RETURN_ERROR"
)

type statusKey struct {
	op     Operation
	status schema.OrderStatus
}

var statusTypes = map[statusKey]StatusType{
	{OperationOrder, schema.OrderStatusCreated}:         StatusOrderCreated,
	{OperationOrder, schema.OrderStatusPendingShipment}: StatusOrderPending,
	{OperationOrder, schema.OrderStatusError}:           StatusOrderError,
	{OperationShipment, schema.OrderStatusShipped}:      StatusShipmentInTransit,
	{OperationShipment, schema.OrderStatusDelivered}:    StatusShipmentDelivered,
	{OperationShipment, schema.OrderStatusError}:        StatusShipmentError,
	{OperationReturn, schema.OrderStatusShipped}:        StatusReturnInTransit,
	{OperationReturn, schema.OrderStatusDelivered}:      StatusReturnDelivered,
	{OperationReturn, schema.OrderStatusReturned}:       StatusReturnReceived,
	{OperationReturn, schema.OrderStatusError}:          StatusReturnError,
}

// ResolveStatusType looks up the remote message type. ok is false for pairs
// the remote authority does not accept.
func ResolveStatusType(op Operation, status schema.OrderStatus) (StatusType, bool) {
	st, ok := statusTypes[statusKey{op, status}]
	return st, ok
}

// OperationFor maps an identifier type to the operation it reports under.
func OperationFor(t schema.IdentifierType) Operation {
	switch t {
	case schema.IdentifierParticipantTracking:
		return OperationShipment
	case schema.IdentifierReturnTracking:
		return OperationReturn
	default:
		return OperationOrder
	}
}

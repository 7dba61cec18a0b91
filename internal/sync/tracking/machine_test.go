package tracking

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/synctrack/internal/domain/schema"
	"github.com/coachpo/synctrack/internal/domain/trackingstore"
	"github.com/coachpo/synctrack/internal/infra/persistence/memory"
)

func record(status string) *trackingstore.Record {
	return &trackingstore.Record{OrderID: 1, LastMessageStatus: &status}
}

func TestResolveVerb(t *testing.T) {
	require.Equal(t, VerbCreate, ResolveVerb(nil))
	require.Equal(t, VerbCreate, ResolveVerb(&trackingstore.Record{OrderID: 1}))
	require.Equal(t, VerbUpdate, ResolveVerb(record("CREATED")))
}

func TestIsAdvanceOrdering(t *testing.T) {
	cases := []struct {
		name      string
		candidate schema.OrderStatus
		rec       *trackingstore.Record
		want      bool
	}{
		{"unseen", schema.OrderStatusShipped, nil, true},
		{"never acknowledged", schema.OrderStatusCreated, &trackingstore.Record{}, true},
		{"forward", schema.OrderStatusShipped, record("PENDING_SHIPMENT"), true},
		{"backward", schema.OrderStatusPendingShipment, record("SHIPPED"), false},
		{"duplicate", schema.OrderStatusShipped, record("SHIPPED"), false},
		{"recover from error", schema.OrderStatusPendingShipment, record("ERROR"), true},
		{"recover from error to earliest", schema.OrderStatusCreated, record("ERROR"), true},
		{"repeated error", schema.OrderStatusError, record("ERROR"), false},
		{"error before delivery", schema.OrderStatusError, record("SHIPPED"), true},
		{"error after delivery", schema.OrderStatusError, record("DELIVERED"), false},
		{"returned after delivered", schema.OrderStatusReturned, record("DELIVERED"), true},
		{"delivered never regresses", schema.OrderStatusShipped, record("DELIVERED"), false},
		{"unknown candidate", schema.OrderStatus("LOST"), record("CREATED"), false},
		{"unknown candidate after error", schema.OrderStatus("LOST"), record("ERROR"), false},
		{"unknown candidate unseen", schema.OrderStatus("LOST"), nil, false},
		{"error unseen", schema.OrderStatusError, nil, true},
		{"case insensitive", schema.OrderStatus("shipped"), record("created"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsAdvance(tc.candidate, tc.rec))
		})
	}
}

func TestResolveStatusTypeTable(t *testing.T) {
	st, ok := ResolveStatusType(OperationOrder, schema.OrderStatusCreated)
	require.True(t, ok)
	require.Equal(t, StatusOrderCreated, st)

	st, ok = ResolveStatusType(OperationReturn, schema.OrderStatusReturned)
	require.True(t, ok)
	require.Equal(t, StatusReturnReceived, st)

	_, ok = ResolveStatusType(OperationOrder, schema.OrderStatusDelivered)
	require.False(t, ok)
	_, ok = ResolveStatusType(OperationShipment, schema.OrderStatusReturned)
	require.False(t, ok)

	require.Equal(t, OperationShipment, OperationFor(schema.IdentifierParticipantTracking))
	require.Equal(t, OperationReturn, OperationFor(schema.IdentifierReturnTracking))
	require.Equal(t, OperationOrder, OperationFor(schema.IdentifierOrderID))
}

func TestVerbIdempotencyUntilAcknowledged(t *testing.T) {
	ctx := context.Background()
	machine := NewMachine(memory.NewTrackingStore(nil), nil)
	event := schema.OrderStatusEvent{OrderID: 100, Identifier: "ORD-100", IdentifierType: schema.IdentifierOrderID, Status: schema.OrderStatusCreated}

	for i := 0; i < 3; i++ {
		decision, err := machine.Plan(ctx, event)
		require.NoError(t, err)
		require.Equal(t, VerbCreate, decision.Verb)
		require.True(t, decision.Advance)
	}
	_, err := machine.Ensure(ctx, 100, "ORD-100", schema.IdentifierOrderID)
	require.NoError(t, err)
	decision, err := machine.Plan(ctx, event)
	require.NoError(t, err)
	require.Equal(t, VerbCreate, decision.Verb, "tracked but unacknowledged still creates")

	require.NoError(t, machine.Acknowledge(ctx, 100, "ORD-100", schema.IdentifierOrderID, schema.OrderStatusCreated))
	event.Status = schema.OrderStatusPendingShipment
	decision, err = machine.Plan(ctx, event)
	require.NoError(t, err)
	require.Equal(t, VerbUpdate, decision.Verb)
	require.Equal(t, StatusOrderPending, decision.StatusType)
}

func TestIdentifiersAdvanceIndependently(t *testing.T) {
	ctx := context.Background()
	machine := NewMachine(memory.NewTrackingStore(nil), nil)
	require.NoError(t, machine.Acknowledge(ctx, 7, "1Z1", schema.IdentifierParticipantTracking, schema.OrderStatusDelivered))

	decision, err := machine.Plan(ctx, schema.OrderStatusEvent{OrderID: 7, Identifier: "1Z2", IdentifierType: schema.IdentifierReturnTracking, Status: schema.OrderStatusShipped})
	require.NoError(t, err)
	require.True(t, decision.Advance)
	require.Equal(t, VerbCreate, decision.Verb)
	require.Equal(t, StatusReturnInTransit, decision.StatusType)

	decision, err = machine.Plan(ctx, schema.OrderStatusEvent{OrderID: 7, Identifier: "1Z1", IdentifierType: schema.IdentifierParticipantTracking, Status: schema.OrderStatusShipped})
	require.NoError(t, err)
	require.False(t, decision.Advance)
}

func TestPlanRejectsUnmappedPairs(t *testing.T) {
	machine := NewMachine(memory.NewTrackingStore(nil), nil)
	_, err := machine.Plan(context.Background(), schema.OrderStatusEvent{OrderID: 1, Identifier: "x", IdentifierType: schema.IdentifierOrderID, Status: schema.OrderStatusReturned})
	require.Error(t, err)
	_, err = machine.Plan(context.Background(), schema.OrderStatusEvent{OrderID: 1, Identifier: "x", IdentifierType: "BOGUS", Status: schema.OrderStatusCreated})
	require.Error(t, err)
}

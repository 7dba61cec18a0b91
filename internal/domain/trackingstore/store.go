// Package trackingstore defines persistence contracts for per-identifier order sync state.
package trackingstore

import (
	"context"
	"time"

	"github.com/coachpo/synctrack/internal/domain/schema"
)

// Record is the remote-sync state of one order identifier. A nil LastMessageStatus
// means the identifier has never been acknowledged remotely.
type Record struct {
	OrderID           int64
	Identifier        string
	IdentifierType    schema.IdentifierType
	LastMessageStatus *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Acknowledged reports whether the remote side accepted at least one status.
func (r *Record) Acknowledged() bool {
	return r != nil && r.LastMessageStatus != nil
}

// Store persists at most one record per (order, identifier type).
type Store interface {
	// Get returns errs.CodeNotFound when the identifier is unseen.
	Get(ctx context.Context, orderID int64, identifierType schema.IdentifierType) (Record, error)
	// Ensure creates the record with a null status when missing and refreshes the identifier.
	Ensure(ctx context.Context, orderID int64, identifier string, identifierType schema.IdentifierType) (Record, error)
	SetLastStatus(ctx context.Context, orderID int64, identifierType schema.IdentifierType, status string) error
	ListByOrder(ctx context.Context, orderID int64) ([]Record, error)
}

// Package snapshotstore defines persistence contracts for last-synced subject state.
package snapshotstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/synctrack/internal/domain/schema"
)

// Snapshot is the last representation of a subject communicated for a category.
type Snapshot struct {
	SubjectID int64
	Category  schema.Category
	Payload   json.RawMessage
	UpdatedAt time.Time
}

// Store persists at most one snapshot per (subject, category).
type Store interface {
	// Get returns errs.CodeNotFound when no snapshot exists.
	Get(ctx context.Context, subjectID int64, category schema.Category) (Snapshot, error)
	Upsert(ctx context.Context, subjectID int64, category schema.Category, payload json.RawMessage) (Snapshot, error)
	Purge(ctx context.Context, subjectID int64, category schema.Category) error
}

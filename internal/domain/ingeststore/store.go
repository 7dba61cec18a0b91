// Package ingeststore defines persistence contracts for checkpointed remote status pulls.
package ingeststore

import (
	"context"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// BatchStatus is the processing state of a partition.
type BatchStatus string

const (
	// BatchPending marks a partition not yet processed.
	BatchPending BatchStatus = "PENDING"
	// BatchError marks a partition whose last processing attempt failed.
	BatchError BatchStatus = "ERROR"
	// BatchDone marks a fully processed partition.
	BatchDone BatchStatus = "DONE"
)

// Checkpoint is the cursor of a feed.
type Checkpoint struct {
	Feed      string
	Cursor    string
	UpdatedAt time.Time
}

// CursorAfter reports whether next should replace current. RFC3339 cursors are
// compared as instants, so precision differences do not matter. Any other
// cursor is opaque and a different value from the remote is trusted as newer.
func CursorAfter(current, next string) bool {
	current = strings.TrimSpace(current)
	next = strings.TrimSpace(next)
	if next == "" {
		return false
	}
	if current == "" {
		return true
	}
	ct, cerr := time.Parse(time.RFC3339Nano, current)
	nt, nerr := time.Parse(time.RFC3339Nano, next)
	if cerr == nil && nerr == nil {
		return nt.After(ct)
	}
	return next != current
}

// Pull is one remote feed response as received.
type Pull struct {
	ID          string
	Feed        string
	Payload     json.RawMessage
	WindowStart string
	NextCursor  string
	CreatedAt   time.Time
}

// Batch is a bounded, ordered partition of a pull's records.
type Batch struct {
	ID            int64
	PullID        string
	Feed          string
	Sequence      int
	Payload       json.RawMessage
	PartitionSize int
	Status        BatchStatus
	RetryCount    int
	LastError     string
	UpdatedAt     time.Time
}

// Store persists checkpoints, pulls and batches.
type Store interface {
	// GetCheckpoint returns errs.CodeNotFound when the feed has never advanced.
	GetCheckpoint(ctx context.Context, feed string) (Checkpoint, error)
	// AdvanceCheckpoint moves the cursor forward as decided by CursorAfter; an
	// older or equal cursor is ignored.
	AdvanceCheckpoint(ctx context.Context, feed, cursor string) (bool, error)
	// SavePull writes the pull and all of its batches atomically. Batch IDs are assigned.
	SavePull(ctx context.Context, pull Pull, batches []Batch) ([]Batch, error)
	// ListEligible returns PENDING or ERROR batches below maxRetries, oldest first.
	ListEligible(ctx context.Context, maxRetries, limit int) ([]Batch, error)
	MarkDone(ctx context.Context, batchID int64) error
	MarkError(ctx context.Context, batchID int64, lastError string) error
}

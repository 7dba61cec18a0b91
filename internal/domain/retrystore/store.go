// Package retrystore defines persistence contracts for failed outbound syncs.
package retrystore

import (
	"context"
	"math"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/synctrack/internal/domain/schema"
)

// PoisonRetryCount pins an entry whose payload cannot be decoded. It is above any
// configured retry bound so the entry never becomes eligible again.
const PoisonRetryCount = math.MaxInt32

// Entry captures a sync attempt awaiting re-delivery.
type Entry struct {
	SubjectID  int64
	Category   schema.Category
	RetryCount int
	Payload    json.RawMessage
	LastError  string
	UpdatedAt  time.Time
}

// Poisoned reports whether the entry was pinned as undecodable.
func (e Entry) Poisoned() bool {
	return e.RetryCount >= PoisonRetryCount
}

// Failure describes a failed attempt to record.
type Failure struct {
	SubjectID int64
	Category  schema.Category
	Payload   json.RawMessage
	Reason    string
	// Reattempt increments the retry count of an existing row.
	Reattempt bool
}

// Store persists at most one entry per (subject, category).
type Store interface {
	Upsert(ctx context.Context, failure Failure) (Entry, error)
	Get(ctx context.Context, subjectID int64, category schema.Category) (Entry, error)
	// ListEligible returns entries with retry_count < maxRetryCount, oldest update first.
	ListEligible(ctx context.Context, maxRetryCount, limit int) ([]Entry, error)
	// ListExceeded returns entries with retry_count >= maxRetryCount.
	ListExceeded(ctx context.Context, maxRetryCount, limit int) ([]Entry, error)
	MarkPoisoned(ctx context.Context, subjectID int64, category schema.Category, reason string) error
	ResetCount(ctx context.Context, subjectID int64, category schema.Category) error
	Delete(ctx context.Context, subjectID int64, category schema.Category) error
}

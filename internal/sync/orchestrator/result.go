package orchestrator

import (
	"fmt"

	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/domain/schema"
)

// SyncError is the routed failure of one sync. Kind alone decides whether the
// attempt was queued for retry.
type SyncError struct {
	Kind      errs.Kind
	Category  schema.Category
	SubjectID int64
	Err       error
}

func (e *SyncError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("sync %s subject %d (%s): %v", e.Category, e.SubjectID, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether the failure was handed to the retry queue.
func (e *SyncError) Retryable() bool {
	return e != nil && e.Kind == errs.KindTransient
}

// Result reports whether a remote sync happened.
type Result struct {
	Synced  bool
	Changes []string
	Err     *SyncError
}

// OK reports a result without error.
func (r Result) OK() bool {
	return r.Err == nil
}

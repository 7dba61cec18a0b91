// Package memory provides in-memory implementations of the sync state stores.
// Each key carries its own mutex so writers to different keys never contend.
package memory

import (
	"context"
	"fmt"
	"time"
)

// Store bundles the in-memory repositories behind one value.
type Store struct {
	snapshots *SnapshotStore
	retries   *RetryStore
	tracking  *TrackingStore
	ingestion *IngestStore
}

// New constructs empty in-memory repositories sharing the clock.
func New(clock func() time.Time) *Store {
	if clock == nil {
		clock = utcNow
	}
	return &Store{
		snapshots: NewSnapshotStore(clock),
		retries:   NewRetryStore(clock),
		tracking:  NewTrackingStore(clock),
		ingestion: NewIngestStore(clock),
	}
}

// Snapshots returns the snapshot repository.
func (s *Store) Snapshots() *SnapshotStore { return s.snapshots }

// Retries returns the retry repository.
func (s *Store) Retries() *RetryStore { return s.retries }

// Tracking returns the order tracking repository.
func (s *Store) Tracking() *TrackingStore { return s.tracking }

// Ingestion returns the checkpoint and batch repository.
func (s *Store) Ingestion() *IngestStore { return s.ingestion }

func utcNow() time.Time {
	return time.Now().UTC()
}

func checkContext(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("memory store %s context: %w", op, ctx.Err())
	default:
		return nil
	}
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

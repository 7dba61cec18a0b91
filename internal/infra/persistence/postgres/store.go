package postgres

import (
	"github.com/coachpo/synctrack/internal/infra/persistence"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store exposes the PostgreSQL-backed sync state repositories over one pool.
type Store struct {
	*persistence.Store
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}

// Snapshots returns the snapshot repository.
func (s *Store) Snapshots() *SnapshotStore { return NewSnapshotStore(s.Pool()) }

// Retries returns the retry entry repository.
func (s *Store) Retries() *RetryStore { return NewRetryStore(s.Pool()) }

// Tracking returns the order tracking repository.
func (s *Store) Tracking() *TrackingStore { return NewTrackingStore(s.Pool()) }

// Ingestion returns the checkpoint and batch repository.
func (s *Store) Ingestion() *IngestStore { return NewIngestStore(s.Pool()) }

package postgres

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/domain/schema"
	"github.com/coachpo/synctrack/internal/domain/snapshotstore"
)

// SnapshotStore persists last-synced subject payloads.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore constructs a SnapshotStore backed by the provided pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

const (
	snapshotSelectSQL = `
SELECT subject_id, category, payload, updated_at
FROM sync_snapshot
WHERE subject_id = $1 AND category = $2;
`

	snapshotUpsertSQL = `
INSERT INTO sync_snapshot (subject_id, category, payload, created_at, updated_at)
VALUES ($1, $2, $3::jsonb, NOW(), NOW())
ON CONFLICT (subject_id, category) DO UPDATE SET
    payload = EXCLUDED.payload,
    updated_at = NOW()
RETURNING subject_id, category, payload, updated_at;
`

	snapshotDeleteSQL = `
DELETE FROM sync_snapshot
WHERE subject_id = $1 AND category = $2;
`
)

// Get returns the snapshot for the subject and category.
func (s *SnapshotStore) Get(ctx context.Context, subjectID int64, category schema.Category) (snapshotstore.Snapshot, error) {
	if s.pool == nil {
		return snapshotstore.Snapshot{}, fmt.Errorf("snapshot store: nil pool")
	}
	row := s.pool.QueryRow(ctx, snapshotSelectSQL, subjectID, string(category))
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return snapshotstore.Snapshot{}, errs.NotFound("snapshot store", "snapshot not found")
	}
	return snap, err
}

// Upsert replaces the snapshot for the subject and category in a single statement.
func (s *SnapshotStore) Upsert(ctx context.Context, subjectID int64, category schema.Category, payload json.RawMessage) (snapshotstore.Snapshot, error) {
	if s.pool == nil {
		return snapshotstore.Snapshot{}, fmt.Errorf("snapshot store: nil pool")
	}
	if err := category.Validate(); err != nil {
		return snapshotstore.Snapshot{}, err
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return snapshotstore.Snapshot{}, errs.New("snapshot store", errs.CodeSerialization, errs.WithMessage("payload is not valid json"))
	}
	row := s.pool.QueryRow(ctx, snapshotUpsertSQL, subjectID, string(category), payloadOrEmpty(payload))
	return scanSnapshot(row)
}

// Purge removes the snapshot. Missing rows are not an error.
func (s *SnapshotStore) Purge(ctx context.Context, subjectID int64, category schema.Category) error {
	if s.pool == nil {
		return fmt.Errorf("snapshot store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, snapshotDeleteSQL, subjectID, string(category)); err != nil {
		return fmt.Errorf("snapshot store: purge: %w", err)
	}
	return nil
}

func scanSnapshot(row rowScanner) (snapshotstore.Snapshot, error) {
	var (
		snap     snapshotstore.Snapshot
		category string
		payload  []byte
	)
	if err := row.Scan(&snap.SubjectID, &category, &payload, &snap.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return snapshotstore.Snapshot{}, err
		}
		return snapshotstore.Snapshot{}, fmt.Errorf("snapshot store: scan: %w", err)
	}
	snap.Category = schema.Category(category)
	snap.Payload = json.RawMessage(payload)
	return snap, nil
}

var _ snapshotstore.Store = (*SnapshotStore)(nil)

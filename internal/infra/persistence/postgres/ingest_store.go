package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/domain/ingeststore"
)

// IngestStore persists feed checkpoints and the pulls and batches derived from them.
type IngestStore struct {
	pool *pgxpool.Pool
}

// NewIngestStore constructs an IngestStore backed by the provided pool.
func NewIngestStore(pool *pgxpool.Pool) *IngestStore {
	return &IngestStore{pool: pool}
}

const (
	defaultBatchLimit = 64
	maxBatchLimit     = 512
)

const (
	checkpointSelectSQL = `
SELECT feed_name, cursor, updated_at
FROM ingestion_checkpoint
WHERE feed_name = $1;
`

	checkpointLockSQL = `
SELECT cursor
FROM ingestion_checkpoint
WHERE feed_name = $1
FOR UPDATE;
`

	checkpointInsertSQL = `
INSERT INTO ingestion_checkpoint (feed_name, cursor, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (feed_name) DO NOTHING;
`

	checkpointUpdateSQL = `
UPDATE ingestion_checkpoint
SET cursor = $2,
    updated_at = NOW()
WHERE feed_name = $1;
`

	pullInsertSQL = `
INSERT INTO status_pull (id, feed_name, payload, window_start, next_cursor, created_at)
VALUES (@id, @feed_name, @payload::jsonb, @window_start, @next_cursor, NOW())
RETURNING created_at;
`

	batchInsertSQL = `
INSERT INTO status_batch (parent_pull_id, sequence, payload, partition_size, status, retry_count, updated_at)
VALUES (@pull_id, @sequence, @payload::jsonb, @partition_size, 'PENDING', 0, NOW())
RETURNING id, updated_at;
`

	batchListEligibleSQL = `
SELECT b.id, b.parent_pull_id::text, p.feed_name, b.sequence, b.payload, b.partition_size,
       b.status, b.retry_count, b.last_error, b.updated_at
FROM status_batch b
JOIN status_pull p ON p.id = b.parent_pull_id
WHERE b.status IN ('PENDING', 'ERROR') AND b.retry_count < $1
ORDER BY b.id ASC
LIMIT $2;
`

	batchMarkDoneSQL = `
UPDATE status_batch
SET status = 'DONE',
    last_error = NULL,
    updated_at = NOW()
WHERE id = $1;
`

	batchMarkErrorSQL = `
UPDATE status_batch
SET status = 'ERROR',
    retry_count = retry_count + 1,
    last_error = $2,
    updated_at = NOW()
WHERE id = $1;
`
)

func (s *IngestStore) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("ingest store: nil pool")
	}
	return s.pool, nil
}

// GetCheckpoint loads the cursor of the feed.
func (s *IngestStore) GetCheckpoint(ctx context.Context, feed string) (ingeststore.Checkpoint, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return ingeststore.Checkpoint{}, err
	}
	var cp ingeststore.Checkpoint
	err = pool.QueryRow(ctx, checkpointSelectSQL, strings.TrimSpace(feed)).Scan(&cp.Feed, &cp.Cursor, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingeststore.Checkpoint{}, errs.NotFound("ingest store", "checkpoint not found")
	}
	if err != nil {
		return ingeststore.Checkpoint{}, fmt.Errorf("ingest store: load checkpoint: %w", err)
	}
	return cp, nil
}

// AdvanceCheckpoint stores cursor when ingeststore.CursorAfter accepts it.
func (s *IngestStore) AdvanceCheckpoint(ctx context.Context, feed, cursor string) (bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return false, err
	}
	feed = strings.TrimSpace(feed)
	cursor = strings.TrimSpace(cursor)
	if feed == "" || cursor == "" {
		return false, errs.New("ingest store", errs.CodeInvalid, errs.WithMessage("feed and cursor required"))
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return false, fmt.Errorf("ingest store: begin tx: %w", err)
	}
	advanced, runErr := advanceCheckpointWith(ctx, tx, feed, cursor)
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return false, fmt.Errorf("ingest store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return false, runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return false, fmt.Errorf("ingest store: commit tx: %w", err)
	}
	return advanced, nil
}

// advanceCheckpointWith compares under a row lock because cursor ordering is
// decided by ingeststore.CursorAfter, not by text ordering.
func advanceCheckpointWith(ctx context.Context, tx pgx.Tx, feed, cursor string) (bool, error) {
	var current string
	err := tx.QueryRow(ctx, checkpointLockSQL, feed).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		tag, insErr := tx.Exec(ctx, checkpointInsertSQL, feed, cursor)
		if insErr != nil {
			return false, fmt.Errorf("ingest store: insert checkpoint: %w", insErr)
		}
		if tag.RowsAffected() > 0 {
			return true, nil
		}
		// a concurrent first advance won; compare against it
		err = tx.QueryRow(ctx, checkpointLockSQL, feed).Scan(&current)
	}
	if err != nil {
		return false, fmt.Errorf("ingest store: lock checkpoint: %w", err)
	}
	if !ingeststore.CursorAfter(current, cursor) {
		return false, nil
	}
	if _, err := tx.Exec(ctx, checkpointUpdateSQL, feed, cursor); err != nil {
		return false, fmt.Errorf("ingest store: advance checkpoint: %w", err)
	}
	return true, nil
}

// SavePull writes the pull and its batches in one transaction.
func (s *IngestStore) SavePull(ctx context.Context, pull ingeststore.Pull, batches []ingeststore.Batch) ([]ingeststore.Batch, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(pull.ID) == "" {
		pull.ID = uuid.NewString()
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return nil, fmt.Errorf("ingest store: begin tx: %w", err)
	}
	saved, runErr := savePullWith(ctx, tx, pull, batches)
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return nil, fmt.Errorf("ingest store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return nil, runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return nil, fmt.Errorf("ingest store: commit tx: %w", err)
	}
	return saved, nil
}

func savePullWith(ctx context.Context, tx pgx.Tx, pull ingeststore.Pull, batches []ingeststore.Batch) ([]ingeststore.Batch, error) {
	pullArgs := pgx.NamedArgs{
		"id":           pull.ID,
		"feed_name":    strings.TrimSpace(pull.Feed),
		"payload":      payloadOrEmpty(pull.Payload),
		"window_start": pull.WindowStart,
		"next_cursor":  pull.NextCursor,
	}
	if err := tx.QueryRow(ctx, pullInsertSQL, pullArgs).Scan(&pull.CreatedAt); err != nil {
		return nil, fmt.Errorf("ingest store: insert pull: %w", err)
	}
	saved := make([]ingeststore.Batch, 0, len(batches))
	for _, batch := range batches {
		args := pgx.NamedArgs{
			"pull_id":        pull.ID,
			"sequence":       batch.Sequence,
			"payload":        payloadOrEmpty(batch.Payload),
			"partition_size": batch.PartitionSize,
		}
		if err := tx.QueryRow(ctx, batchInsertSQL, args).Scan(&batch.ID, &batch.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ingest store: insert batch %d: %w", batch.Sequence, err)
		}
		batch.PullID = pull.ID
		batch.Feed = pull.Feed
		batch.Status = ingeststore.BatchPending
		batch.RetryCount = 0
		saved = append(saved, batch)
	}
	return saved, nil
}

// ListEligible returns batches still awaiting successful processing.
func (s *IngestStore) ListEligible(ctx context.Context, maxRetries, limit int) ([]ingeststore.Batch, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit, defaultBatchLimit, maxBatchLimit)
	rows, err := pool.Query(ctx, batchListEligibleSQL, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("ingest store: list batches: %w", err)
	}
	defer rows.Close()

	var batches []ingeststore.Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ingest store: iterate batches: %w", err)
	}
	return batches, nil
}

// MarkDone flags the batch as processed.
func (s *IngestStore) MarkDone(ctx context.Context, batchID int64) error {
	return s.updateBatch(ctx, batchMarkDoneSQL, batchID)
}

// MarkError flags the batch as failed and bumps its retry count.
func (s *IngestStore) MarkError(ctx context.Context, batchID int64, lastError string) error {
	return s.updateBatch(ctx, batchMarkErrorSQL, batchID, nullableString(lastError))
}

func (s *IngestStore) updateBatch(ctx context.Context, query string, batchID int64, extra ...any) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args := append([]any{batchID}, extra...)
	tag, err := pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("ingest store: update batch %d: %w", batchID, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("ingest store", fmt.Sprintf("batch %d not found", batchID))
	}
	return nil
}

func scanBatch(row rowScanner) (ingeststore.Batch, error) {
	var (
		batch     ingeststore.Batch
		payload   []byte
		status    string
		lastError pgtype.Text
	)
	if err := row.Scan(
		&batch.ID,
		&batch.PullID,
		&batch.Feed,
		&batch.Sequence,
		&payload,
		&batch.PartitionSize,
		&status,
		&batch.RetryCount,
		&lastError,
		&batch.UpdatedAt,
	); err != nil {
		return ingeststore.Batch{}, fmt.Errorf("ingest store: scan batch: %w", err)
	}
	batch.Payload = json.RawMessage(payload)
	batch.Status = ingeststore.BatchStatus(status)
	batch.LastError = textValue(lastError)
	return batch, nil
}

var _ ingeststore.Store = (*IngestStore)(nil)

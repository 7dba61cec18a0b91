package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/domain/retrystore"
	"github.com/coachpo/synctrack/internal/domain/schema"
)

// RetryStore persists failed sync attempts awaiting re-delivery.
type RetryStore struct {
	pool *pgxpool.Pool
}

// NewRetryStore constructs a RetryStore backed by the provided pool.
func NewRetryStore(pool *pgxpool.Pool) *RetryStore {
	return &RetryStore{pool: pool}
}

const (
	defaultRetryLimit = 128
	maxRetryLimit     = 1024
)

const (
	retryUpsertSQL = `
INSERT INTO retry_entry (subject_id, category, retry_count, payload, last_error, created_at, updated_at)
VALUES (@subject_id, @category, 0, @payload::jsonb, @last_error, NOW(), NOW())
ON CONFLICT (subject_id, category) DO UPDATE SET
    retry_count = CASE
        WHEN @reattempt AND retry_entry.retry_count < @poison THEN retry_entry.retry_count + 1
        ELSE retry_entry.retry_count
    END,
    payload = EXCLUDED.payload,
    last_error = EXCLUDED.last_error,
    updated_at = NOW()
RETURNING subject_id, category, retry_count, payload, last_error, updated_at;
`

	retrySelectSQL = `
SELECT subject_id, category, retry_count, payload, last_error, updated_at
FROM retry_entry
WHERE subject_id = $1 AND category = $2;
`

	retryListEligibleSQL = `
SELECT subject_id, category, retry_count, payload, last_error, updated_at
FROM retry_entry
WHERE retry_count < $1
ORDER BY updated_at ASC, subject_id ASC
LIMIT $2;
`

	retryListExceededSQL = `
SELECT subject_id, category, retry_count, payload, last_error, updated_at
FROM retry_entry
WHERE retry_count >= $1
ORDER BY updated_at ASC, subject_id ASC
LIMIT $2;
`

	retryPoisonSQL = `
UPDATE retry_entry
SET retry_count = $3,
    last_error = $4,
    updated_at = NOW()
WHERE subject_id = $1 AND category = $2;
`

	retryResetSQL = `
UPDATE retry_entry
SET retry_count = 0,
    updated_at = NOW()
WHERE subject_id = $1 AND category = $2;
`

	retryDeleteSQL = `
DELETE FROM retry_entry
WHERE subject_id = $1 AND category = $2;
`
)

// Upsert records a failure, creating the row or overwriting payload and error in place.
func (s *RetryStore) Upsert(ctx context.Context, failure retrystore.Failure) (retrystore.Entry, error) {
	if s.pool == nil {
		return retrystore.Entry{}, fmt.Errorf("retry store: nil pool")
	}
	if err := failure.Category.Validate(); err != nil {
		return retrystore.Entry{}, err
	}
	if len(failure.Payload) > 0 && !json.Valid(failure.Payload) {
		return retrystore.Entry{}, errs.New("retry store", errs.CodeSerialization, errs.WithMessage("payload is not valid json"))
	}
	args := pgx.NamedArgs{
		"subject_id": failure.SubjectID,
		"category":   string(failure.Category),
		"payload":    payloadOrEmpty(failure.Payload),
		"last_error": nullableString(failure.Reason),
		"reattempt":  failure.Reattempt,
		"poison":     retrystore.PoisonRetryCount,
	}
	row := s.pool.QueryRow(ctx, retryUpsertSQL, args)
	return scanRetryEntry(row)
}

// Get loads the entry for the key.
func (s *RetryStore) Get(ctx context.Context, subjectID int64, category schema.Category) (retrystore.Entry, error) {
	if s.pool == nil {
		return retrystore.Entry{}, fmt.Errorf("retry store: nil pool")
	}
	entry, err := scanRetryEntry(s.pool.QueryRow(ctx, retrySelectSQL, subjectID, string(category)))
	if errors.Is(err, pgx.ErrNoRows) {
		return retrystore.Entry{}, errs.NotFound("retry store", "retry entry not found")
	}
	return entry, err
}

// ListEligible returns entries still under the retry bound, oldest failures first.
func (s *RetryStore) ListEligible(ctx context.Context, maxRetryCount, limit int) ([]retrystore.Entry, error) {
	return s.list(ctx, retryListEligibleSQL, maxRetryCount, limit)
}

// ListExceeded returns entries that need manual intervention.
func (s *RetryStore) ListExceeded(ctx context.Context, maxRetryCount, limit int) ([]retrystore.Entry, error) {
	return s.list(ctx, retryListExceededSQL, maxRetryCount, limit)
}

func (s *RetryStore) list(ctx context.Context, query string, maxRetryCount, limit int) ([]retrystore.Entry, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("retry store: nil pool")
	}
	limit = clampLimit(limit, defaultRetryLimit, maxRetryLimit)
	rows, err := s.pool.Query(ctx, query, maxRetryCount, limit)
	if err != nil {
		return nil, fmt.Errorf("retry store: list: %w", err)
	}
	defer rows.Close()

	var entries []retrystore.Entry
	for rows.Next() {
		entry, err := scanRetryEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("retry store: iterate: %w", err)
	}
	return entries, nil
}

// MarkPoisoned pins the entry at the sentinel count so sweeps skip it.
func (s *RetryStore) MarkPoisoned(ctx context.Context, subjectID int64, category schema.Category, reason string) error {
	if s.pool == nil {
		return fmt.Errorf("retry store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, retryPoisonSQL, subjectID, string(category), retrystore.PoisonRetryCount, strings.TrimSpace(reason))
	if err != nil {
		return fmt.Errorf("retry store: mark poisoned: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("retry store", "retry entry not found")
	}
	return nil
}

// ResetCount makes an exceeded entry eligible again.
func (s *RetryStore) ResetCount(ctx context.Context, subjectID int64, category schema.Category) error {
	if s.pool == nil {
		return fmt.Errorf("retry store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, retryResetSQL, subjectID, string(category))
	if err != nil {
		return fmt.Errorf("retry store: reset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("retry store", "retry entry not found")
	}
	return nil
}

// Delete removes the entry. Missing rows are not an error since resolution may race.
func (s *RetryStore) Delete(ctx context.Context, subjectID int64, category schema.Category) error {
	if s.pool == nil {
		return fmt.Errorf("retry store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, retryDeleteSQL, subjectID, string(category)); err != nil {
		return fmt.Errorf("retry store: delete: %w", err)
	}
	return nil
}

func scanRetryEntry(row rowScanner) (retrystore.Entry, error) {
	var (
		entry     retrystore.Entry
		category  string
		payload   []byte
		lastError pgtype.Text
	)
	if err := row.Scan(&entry.SubjectID, &category, &entry.RetryCount, &payload, &lastError, &entry.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return retrystore.Entry{}, err
		}
		return retrystore.Entry{}, fmt.Errorf("retry store: scan: %w", err)
	}
	entry.Category = schema.Category(category)
	entry.Payload = json.RawMessage(payload)
	entry.LastError = textValue(lastError)
	return entry, nil
}

var _ retrystore.Store = (*RetryStore)(nil)

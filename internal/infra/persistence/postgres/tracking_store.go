package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/domain/schema"
	"github.com/coachpo/synctrack/internal/domain/trackingstore"
)

// TrackingStore persists the remote acknowledgement state of order identifiers.
type TrackingStore struct {
	pool *pgxpool.Pool
}

// NewTrackingStore constructs a TrackingStore backed by the provided pool.
func NewTrackingStore(pool *pgxpool.Pool) *TrackingStore {
	return &TrackingStore{pool: pool}
}

const (
	trackingSelectBase = `
SELECT order_id, identifier, identifier_type, last_message_status, created_at, updated_at
FROM order_tracking`

	trackingEnsureSQL = `
INSERT INTO order_tracking (order_id, identifier, identifier_type, last_message_status, created_at, updated_at)
VALUES (@order_id, @identifier, @identifier_type, NULL, NOW(), NOW())
ON CONFLICT (order_id, identifier_type) DO UPDATE SET
    identifier = EXCLUDED.identifier,
    updated_at = CASE
        WHEN order_tracking.identifier IS DISTINCT FROM EXCLUDED.identifier THEN NOW()
        ELSE order_tracking.updated_at
    END
RETURNING order_id, identifier, identifier_type, last_message_status, created_at, updated_at;
`

	trackingSetStatusSQL = `
UPDATE order_tracking
SET last_message_status = $3,
    updated_at = NOW()
WHERE order_id = $1 AND identifier_type = $2;
`
)

func (s *TrackingStore) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("tracking store: nil pool")
	}
	return s.pool, nil
}

// Get returns the record for the order identifier type.
func (s *TrackingStore) Get(ctx context.Context, orderID int64, identifierType schema.IdentifierType) (trackingstore.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return trackingstore.Record{}, err
	}
	row := pool.QueryRow(ctx, trackingSelectBase+" WHERE order_id = $1 AND identifier_type = $2", orderID, string(identifierType))
	record, err := scanTrackingRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return trackingstore.Record{}, errs.NotFound("tracking store", "tracking record not found")
	}
	return record, err
}

// Ensure inserts the record with a null status when missing.
func (s *TrackingStore) Ensure(ctx context.Context, orderID int64, identifier string, identifierType schema.IdentifierType) (trackingstore.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return trackingstore.Record{}, err
	}
	if !identifierType.Valid() {
		return trackingstore.Record{}, errs.New("tracking store", errs.CodeInvalid, errs.WithMessage("unsupported identifier type "+string(identifierType)))
	}
	trimmed := strings.TrimSpace(identifier)
	if trimmed == "" {
		return trackingstore.Record{}, errs.New("tracking store", errs.CodeInvalid, errs.WithMessage("identifier required"))
	}
	args := pgx.NamedArgs{
		"order_id":        orderID,
		"identifier":      trimmed,
		"identifier_type": string(identifierType),
	}
	return scanTrackingRecord(pool.QueryRow(ctx, trackingEnsureSQL, args))
}

// SetLastStatus records the status the remote side acknowledged.
func (s *TrackingStore) SetLastStatus(ctx context.Context, orderID int64, identifierType schema.IdentifierType, status string) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, trackingSetStatusSQL, orderID, string(identifierType), strings.TrimSpace(status))
	if err != nil {
		return fmt.Errorf("tracking store: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("tracking store", "tracking record not found")
	}
	return nil
}

// ListByOrder returns every identifier tracked for the order.
func (s *TrackingStore) ListByOrder(ctx context.Context, orderID int64) ([]trackingstore.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, trackingSelectBase+" WHERE order_id = $1 ORDER BY identifier_type", orderID)
	if err != nil {
		return nil, fmt.Errorf("tracking store: list: %w", err)
	}
	defer rows.Close()

	var records []trackingstore.Record
	for rows.Next() {
		record, err := scanTrackingRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tracking store: iterate: %w", err)
	}
	return records, nil
}

func scanTrackingRecord(row rowScanner) (trackingstore.Record, error) {
	var (
		record         trackingstore.Record
		identifierType string
		status         pgtype.Text
	)
	if err := row.Scan(&record.OrderID, &record.Identifier, &identifierType, &status, &record.CreatedAt, &record.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return trackingstore.Record{}, err
		}
		return trackingstore.Record{}, fmt.Errorf("tracking store: scan: %w", err)
	}
	record.IdentifierType = schema.IdentifierType(identifierType)
	if status.Valid {
		value := status.String
		record.LastMessageStatus = &value
	}
	return record, nil
}

var _ trackingstore.Store = (*TrackingStore)(nil)

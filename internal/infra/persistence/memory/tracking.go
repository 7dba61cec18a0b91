package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/domain/schema"
	"github.com/coachpo/synctrack/internal/domain/trackingstore"
)

type trackingKey struct {
	orderID        int64
	identifierType schema.IdentifierType
}

// TrackingStore is an in-memory trackingstore.Store.
type TrackingStore struct {
	mu      sync.RWMutex
	records map[trackingKey]*trackingEntry
	clock   func() time.Time
}

type trackingEntry struct {
	mu     sync.Mutex
	record trackingstore.Record
}

// NewTrackingStore creates an empty tracking store.
func NewTrackingStore(clock func() time.Time) *TrackingStore {
	if clock == nil {
		clock = utcNow
	}
	return &TrackingStore{records: make(map[trackingKey]*trackingEntry), clock: clock}
}

// Get returns the record for the order identifier type.
func (s *TrackingStore) Get(ctx context.Context, orderID int64, identifierType schema.IdentifierType) (trackingstore.Record, error) {
	if err := checkContext(ctx, "tracking get"); err != nil {
		return trackingstore.Record{}, err
	}
	s.mu.RLock()
	e, ok := s.records[trackingKey{orderID, identifierType}]
	s.mu.RUnlock()
	if !ok {
		return trackingstore.Record{}, errs.NotFound("tracking store", "tracking record not found")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneRecord(e.record), nil
}

// Ensure creates the record with a null status when missing.
func (s *TrackingStore) Ensure(ctx context.Context, orderID int64, identifier string, identifierType schema.IdentifierType) (trackingstore.Record, error) {
	if err := checkContext(ctx, "tracking ensure"); err != nil {
		return trackingstore.Record{}, err
	}
	if !identifierType.Valid() {
		return trackingstore.Record{}, errs.New("tracking store", errs.CodeInvalid, errs.WithMessage("unsupported identifier type "+string(identifierType)))
	}
	trimmed := strings.TrimSpace(identifier)
	if trimmed == "" {
		return trackingstore.Record{}, errs.New("tracking store", errs.CodeInvalid, errs.WithMessage("identifier required"))
	}
	key := trackingKey{orderID, identifierType}
	s.mu.Lock()
	e, ok := s.records[key]
	if !ok {
		now := s.clock()
		e = &trackingEntry{record: trackingstore.Record{
			OrderID:        orderID,
			Identifier:     trimmed,
			IdentifierType: identifierType,
			CreatedAt:      now,
			UpdatedAt:      now,
		}}
		s.records[key] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record.Identifier != trimmed {
		e.record.Identifier = trimmed
		e.record.UpdatedAt = s.clock()
	}
	return cloneRecord(e.record), nil
}

// SetLastStatus records the acknowledged status.
func (s *TrackingStore) SetLastStatus(ctx context.Context, orderID int64, identifierType schema.IdentifierType, status string) error {
	if err := checkContext(ctx, "tracking set status"); err != nil {
		return err
	}
	s.mu.RLock()
	e, ok := s.records[trackingKey{orderID, identifierType}]
	s.mu.RUnlock()
	if !ok {
		return errs.NotFound("tracking store", "tracking record not found")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	value := strings.TrimSpace(status)
	e.record.LastMessageStatus = &value
	e.record.UpdatedAt = s.clock()
	return nil
}

// ListByOrder returns the identifiers tracked for the order.
func (s *TrackingStore) ListByOrder(ctx context.Context, orderID int64) ([]trackingstore.Record, error) {
	if err := checkContext(ctx, "tracking list"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []trackingstore.Record
	for key, e := range s.records {
		if key.orderID != orderID {
			continue
		}
		e.mu.Lock()
		out = append(out, cloneRecord(e.record))
		e.mu.Unlock()
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IdentifierType < out[j].IdentifierType })
	return out, nil
}

func cloneRecord(in trackingstore.Record) trackingstore.Record {
	out := in
	if in.LastMessageStatus != nil {
		value := *in.LastMessageStatus
		out.LastMessageStatus = &value
	}
	return out
}

var _ trackingstore.Store = (*TrackingStore)(nil)

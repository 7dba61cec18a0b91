package memory

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/domain/schema"
	"github.com/coachpo/synctrack/internal/domain/snapshotstore"
)

type subjectKey struct {
	subjectID int64
	category  schema.Category
}

// SnapshotStore is an in-memory snapshotstore.Store.
type SnapshotStore struct {
	mu      sync.RWMutex
	records map[subjectKey]*snapshotEntry
	clock   func() time.Time
}

type snapshotEntry struct {
	mu     sync.Mutex
	record snapshotstore.Snapshot
	exists bool
}

// NewSnapshotStore creates an empty snapshot store.
func NewSnapshotStore(clock func() time.Time) *SnapshotStore {
	if clock == nil {
		clock = utcNow
	}
	return &SnapshotStore{records: make(map[subjectKey]*snapshotEntry), clock: clock}
}

// Get returns the snapshot for the key.
func (s *SnapshotStore) Get(ctx context.Context, subjectID int64, category schema.Category) (snapshotstore.Snapshot, error) {
	if err := checkContext(ctx, "get"); err != nil {
		return snapshotstore.Snapshot{}, err
	}
	s.mu.RLock()
	e, ok := s.records[subjectKey{subjectID, category}]
	s.mu.RUnlock()
	if !ok {
		return snapshotstore.Snapshot{}, errs.NotFound("snapshot store", "snapshot not found")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.exists {
		return snapshotstore.Snapshot{}, errs.NotFound("snapshot store", "snapshot not found")
	}
	return cloneSnapshot(e.record), nil
}

// Upsert replaces the snapshot for the key.
func (s *SnapshotStore) Upsert(ctx context.Context, subjectID int64, category schema.Category, payload json.RawMessage) (snapshotstore.Snapshot, error) {
	if err := checkContext(ctx, "upsert"); err != nil {
		return snapshotstore.Snapshot{}, err
	}
	if err := category.Validate(); err != nil {
		return snapshotstore.Snapshot{}, err
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return snapshotstore.Snapshot{}, errs.New("snapshot store", errs.CodeSerialization, errs.WithMessage("payload is not valid json"))
	}
	key := subjectKey{subjectID, category}
	s.mu.Lock()
	e, ok := s.records[key]
	if !ok {
		e = new(snapshotEntry)
		s.records[key] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	e.record = snapshotstore.Snapshot{
		SubjectID: subjectID,
		Category:  category,
		Payload:   cloneBytes(payload),
		UpdatedAt: s.clock(),
	}
	e.exists = true
	return cloneSnapshot(e.record), nil
}

// Purge removes the snapshot.
func (s *SnapshotStore) Purge(ctx context.Context, subjectID int64, category schema.Category) error {
	if err := checkContext(ctx, "purge"); err != nil {
		return err
	}
	s.mu.RLock()
	e, ok := s.records[subjectKey{subjectID, category}]
	s.mu.RUnlock()
	// Entries are tombstoned rather than removed so a concurrent writer holding
	// the entry cannot resurrect a detached copy.
	if ok {
		e.mu.Lock()
		e.exists = false
		e.mu.Unlock()
	}
	return nil
}

func cloneSnapshot(in snapshotstore.Snapshot) snapshotstore.Snapshot {
	out := in
	out.Payload = cloneBytes(in.Payload)
	return out
}

var _ snapshotstore.Store = (*SnapshotStore)(nil)

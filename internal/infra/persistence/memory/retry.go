package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/domain/retrystore"
	"github.com/coachpo/synctrack/internal/domain/schema"
)

// RetryStore is an in-memory retrystore.Store.
type RetryStore struct {
	mu      sync.RWMutex
	entries map[subjectKey]*retryEntry
	seq     uint64
	clock   func() time.Time
}

type retryEntry struct {
	mu     sync.Mutex
	entry  retrystore.Entry
	seq    uint64
	exists bool
}

// NewRetryStore creates an empty retry store.
func NewRetryStore(clock func() time.Time) *RetryStore {
	if clock == nil {
		clock = utcNow
	}
	return &RetryStore{entries: make(map[subjectKey]*retryEntry), clock: clock}
}

// Upsert records the failure in place, bumping the count only for re-attempts.
func (s *RetryStore) Upsert(ctx context.Context, failure retrystore.Failure) (retrystore.Entry, error) {
	if err := checkContext(ctx, "retry upsert"); err != nil {
		return retrystore.Entry{}, err
	}
	if err := failure.Category.Validate(); err != nil {
		return retrystore.Entry{}, err
	}
	if len(failure.Payload) > 0 && !json.Valid(failure.Payload) {
		return retrystore.Entry{}, errs.New("retry store", errs.CodeSerialization, errs.WithMessage("payload is not valid json"))
	}
	key := subjectKey{failure.SubjectID, failure.Category}
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = new(retryEntry)
		s.entries[key] = e
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.exists {
		e.entry = retrystore.Entry{SubjectID: failure.SubjectID, Category: failure.Category}
		e.exists = true
	} else if failure.Reattempt && e.entry.RetryCount < retrystore.PoisonRetryCount {
		e.entry.RetryCount++
	}
	payload := failure.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	e.entry.Payload = cloneBytes(payload)
	e.entry.LastError = strings.TrimSpace(failure.Reason)
	e.entry.UpdatedAt = s.clock()
	e.seq = seq
	return cloneEntry(e.entry), nil
}

// Get loads the entry for the key.
func (s *RetryStore) Get(ctx context.Context, subjectID int64, category schema.Category) (retrystore.Entry, error) {
	if err := checkContext(ctx, "retry get"); err != nil {
		return retrystore.Entry{}, err
	}
	s.mu.RLock()
	e, ok := s.entries[subjectKey{subjectID, category}]
	s.mu.RUnlock()
	if !ok {
		return retrystore.Entry{}, errs.NotFound("retry store", "retry entry not found")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.exists {
		return retrystore.Entry{}, errs.NotFound("retry store", "retry entry not found")
	}
	return cloneEntry(e.entry), nil
}

// ListEligible returns entries under the bound, oldest update first.
func (s *RetryStore) ListEligible(ctx context.Context, maxRetryCount, limit int) ([]retrystore.Entry, error) {
	return s.list(ctx, limit, func(e retrystore.Entry) bool { return e.RetryCount < maxRetryCount })
}

// ListExceeded returns entries at or over the bound.
func (s *RetryStore) ListExceeded(ctx context.Context, maxRetryCount, limit int) ([]retrystore.Entry, error) {
	return s.list(ctx, limit, func(e retrystore.Entry) bool { return e.RetryCount >= maxRetryCount })
}

func (s *RetryStore) list(ctx context.Context, limit int, keep func(retrystore.Entry) bool) ([]retrystore.Entry, error) {
	if err := checkContext(ctx, "retry list"); err != nil {
		return nil, err
	}
	type ordered struct {
		entry retrystore.Entry
		seq   uint64
	}
	s.mu.RLock()
	candidates := make([]ordered, 0, len(s.entries))
	for _, e := range s.entries {
		e.mu.Lock()
		if e.exists && keep(e.entry) {
			candidates = append(candidates, ordered{entry: cloneEntry(e.entry), seq: e.seq})
		}
		e.mu.Unlock()
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.entry.UpdatedAt.Equal(b.entry.UpdatedAt) {
			return a.entry.UpdatedAt.Before(b.entry.UpdatedAt)
		}
		return a.seq < b.seq
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]retrystore.Entry, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.entry)
	}
	return out, nil
}

// MarkPoisoned pins the entry at the sentinel count.
func (s *RetryStore) MarkPoisoned(ctx context.Context, subjectID int64, category schema.Category, reason string) error {
	return s.mutate(ctx, subjectID, category, func(e *retryEntry) {
		e.entry.RetryCount = retrystore.PoisonRetryCount
		e.entry.LastError = strings.TrimSpace(reason)
	})
}

// ResetCount makes the entry eligible again.
func (s *RetryStore) ResetCount(ctx context.Context, subjectID int64, category schema.Category) error {
	return s.mutate(ctx, subjectID, category, func(e *retryEntry) {
		e.entry.RetryCount = 0
	})
}

func (s *RetryStore) mutate(ctx context.Context, subjectID int64, category schema.Category, fn func(*retryEntry)) error {
	if err := checkContext(ctx, "retry update"); err != nil {
		return err
	}
	s.mu.Lock()
	e, ok := s.entries[subjectKey{subjectID, category}]
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	if !ok {
		return errs.NotFound("retry store", "retry entry not found")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.exists {
		return errs.NotFound("retry store", "retry entry not found")
	}
	fn(e)
	e.entry.UpdatedAt = s.clock()
	e.seq = seq
	return nil
}

// Delete removes the entry; missing entries are ignored.
func (s *RetryStore) Delete(ctx context.Context, subjectID int64, category schema.Category) error {
	if err := checkContext(ctx, "retry delete"); err != nil {
		return err
	}
	s.mu.RLock()
	e, ok := s.entries[subjectKey{subjectID, category}]
	s.mu.RUnlock()
	if ok {
		e.mu.Lock()
		e.exists = false
		e.mu.Unlock()
	}
	return nil
}

func cloneEntry(in retrystore.Entry) retrystore.Entry {
	out := in
	out.Payload = cloneBytes(in.Payload)
	return out
}

var _ retrystore.Store = (*RetryStore)(nil)

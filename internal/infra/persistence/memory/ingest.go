package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/domain/ingeststore"
)

// IngestStore is an in-memory ingeststore.Store. A single lock keeps SavePull atomic.
type IngestStore struct {
	mu          sync.Mutex
	checkpoints map[string]ingeststore.Checkpoint
	pulls       map[string]ingeststore.Pull
	batches     map[int64]*ingeststore.Batch
	nextBatchID int64
	clock       func() time.Time
}

// NewIngestStore creates an empty ingest store.
func NewIngestStore(clock func() time.Time) *IngestStore {
	if clock == nil {
		clock = utcNow
	}
	return &IngestStore{
		checkpoints: make(map[string]ingeststore.Checkpoint),
		pulls:       make(map[string]ingeststore.Pull),
		batches:     make(map[int64]*ingeststore.Batch),
		clock:       clock,
	}
}

// GetCheckpoint loads the cursor of the feed.
func (s *IngestStore) GetCheckpoint(ctx context.Context, feed string) (ingeststore.Checkpoint, error) {
	if err := checkContext(ctx, "checkpoint get"); err != nil {
		return ingeststore.Checkpoint{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[strings.TrimSpace(feed)]
	if !ok {
		return ingeststore.Checkpoint{}, errs.NotFound("ingest store", "checkpoint not found")
	}
	return cp, nil
}

// AdvanceCheckpoint stores cursor when ingeststore.CursorAfter accepts it.
func (s *IngestStore) AdvanceCheckpoint(ctx context.Context, feed, cursor string) (bool, error) {
	if err := checkContext(ctx, "checkpoint advance"); err != nil {
		return false, err
	}
	feed = strings.TrimSpace(feed)
	cursor = strings.TrimSpace(cursor)
	if feed == "" || cursor == "" {
		return false, errs.New("ingest store", errs.CodeInvalid, errs.WithMessage("feed and cursor required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp, ok := s.checkpoints[feed]; ok && !ingeststore.CursorAfter(cp.Cursor, cursor) {
		return false, nil
	}
	s.checkpoints[feed] = ingeststore.Checkpoint{Feed: feed, Cursor: cursor, UpdatedAt: s.clock()}
	return true, nil
}

// SavePull stores the pull and its batches together.
func (s *IngestStore) SavePull(ctx context.Context, pull ingeststore.Pull, batches []ingeststore.Batch) ([]ingeststore.Batch, error) {
	if err := checkContext(ctx, "save pull"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(pull.ID) == "" {
		pull.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pulls[pull.ID]; exists {
		return nil, errs.New("ingest store", errs.CodeConflict, errs.WithMessage(fmt.Sprintf("pull %s already stored", pull.ID)))
	}
	seen := make(map[int]struct{}, len(batches))
	for _, b := range batches {
		if _, dup := seen[b.Sequence]; dup {
			return nil, errs.New("ingest store", errs.CodeConflict, errs.WithMessage(fmt.Sprintf("duplicate batch sequence %d", b.Sequence)))
		}
		seen[b.Sequence] = struct{}{}
	}
	now := s.clock()
	pull.CreatedAt = now
	pull.Payload = cloneBytes(pull.Payload)
	s.pulls[pull.ID] = pull

	saved := make([]ingeststore.Batch, 0, len(batches))
	for _, b := range batches {
		s.nextBatchID++
		b.ID = s.nextBatchID
		b.PullID = pull.ID
		b.Feed = pull.Feed
		b.Payload = cloneBytes(b.Payload)
		b.Status = ingeststore.BatchPending
		b.RetryCount = 0
		b.LastError = ""
		b.UpdatedAt = now
		stored := b
		s.batches[b.ID] = &stored
		saved = append(saved, cloneBatch(stored))
	}
	return saved, nil
}

// ListEligible returns PENDING or ERROR batches under the retry bound.
func (s *IngestStore) ListEligible(ctx context.Context, maxRetries, limit int) ([]ingeststore.Batch, error) {
	if err := checkContext(ctx, "list batches"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]ingeststore.Batch, 0)
	for _, b := range s.batches {
		if b.Status == ingeststore.BatchDone || b.RetryCount >= maxRetries {
			continue
		}
		out = append(out, cloneBatch(*b))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkDone flags the batch as processed.
func (s *IngestStore) MarkDone(ctx context.Context, batchID int64) error {
	return s.update(ctx, batchID, func(b *ingeststore.Batch) {
		b.Status = ingeststore.BatchDone
		b.LastError = ""
	})
}

// MarkError flags the batch as failed and bumps its retry count.
func (s *IngestStore) MarkError(ctx context.Context, batchID int64, lastError string) error {
	return s.update(ctx, batchID, func(b *ingeststore.Batch) {
		b.Status = ingeststore.BatchError
		b.RetryCount++
		b.LastError = strings.TrimSpace(lastError)
	})
}

// Pulls returns the number of stored pulls.
func (s *IngestStore) Pulls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pulls)
}

func (s *IngestStore) update(ctx context.Context, batchID int64, fn func(*ingeststore.Batch)) error {
	if err := checkContext(ctx, "update batch"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return errs.NotFound("ingest store", fmt.Sprintf("batch %d not found", batchID))
	}
	fn(b)
	b.UpdatedAt = s.clock()
	return nil
}

func cloneBatch(in ingeststore.Batch) ingeststore.Batch {
	out := in
	out.Payload = cloneBytes(in.Payload)
	return out
}

var _ ingeststore.Store = (*IngestStore)(nil)

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/domain/ingeststore"
	"github.com/coachpo/synctrack/internal/domain/retrystore"
	"github.com/coachpo/synctrack/internal/domain/schema"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func TestSnapshotStoreGetNotFound(t *testing.T) {
	store := NewSnapshotStore(nil)
	_, err := store.Get(context.Background(), 1, schema.CategoryAccountUpdate)
	if !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSnapshotStoreUpsertReplacesInPlace(t *testing.T) {
	store := NewSnapshotStore(newStepClock().Now)
	ctx := context.Background()

	if _, err := store.Upsert(ctx, 7, schema.CategoryAccountUpdate, json.RawMessage(`{"firstName":"Ada"}`)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	second, err := store.Upsert(ctx, 7, schema.CategoryAccountUpdate, json.RawMessage(`{"firstName":"Grace"}`))
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	got, err := store.Get(ctx, 7, schema.CategoryAccountUpdate)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Payload) != `{"firstName":"Grace"}` {
		t.Fatalf("unexpected payload %s", got.Payload)
	}
	if !got.UpdatedAt.Equal(second.UpdatedAt) {
		t.Fatalf("expected updated timestamp from second write")
	}
	if _, err := store.Get(ctx, 7, schema.CategoryTestSubjectUpdate); err == nil {
		t.Fatalf("categories must be independent")
	}
}

func TestSnapshotStoreRejectsInvalidPayload(t *testing.T) {
	store := NewSnapshotStore(nil)
	ctx := context.Background()
	_, err := store.Upsert(ctx, 1, schema.CategoryAccountUpdate, json.RawMessage(`{broken`))
	if !errs.Is(err, errs.CodeSerialization) {
		t.Fatalf("expected serialization error, got %v", err)
	}
	if _, err := store.Get(ctx, 1, schema.CategoryAccountUpdate); err == nil {
		t.Fatalf("failed upsert must not write")
	}
}

func TestSnapshotStorePurge(t *testing.T) {
	store := NewSnapshotStore(nil)
	ctx := context.Background()
	if _, err := store.Upsert(ctx, 3, schema.CategoryAccountUpdate, nil); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := store.Purge(ctx, 3, schema.CategoryAccountUpdate); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if _, err := store.Get(ctx, 3, schema.CategoryAccountUpdate); err == nil {
		t.Fatalf("expected purged snapshot to be absent")
	}
	if _, err := store.Upsert(ctx, 3, schema.CategoryAccountUpdate, nil); err != nil {
		t.Fatalf("expected upsert after purge to succeed: %v", err)
	}
}

func TestSnapshotStoreContextCancelled(t *testing.T) {
	store := NewSnapshotStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Upsert(ctx, 1, schema.CategoryAccountUpdate, nil); err == nil {
		t.Fatalf("expected cancelled context error")
	}
}

func TestRetryStoreUpsertNeverDuplicates(t *testing.T) {
	store := NewRetryStore(newStepClock().Now)
	ctx := context.Background()
	failure := retrystore.Failure{SubjectID: 42, Category: schema.CategoryAccountUpdate, Payload: json.RawMessage(`{"v":1}`), Reason: "timeout"}

	first, err := store.Upsert(ctx, failure)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if first.RetryCount != 0 {
		t.Fatalf("first failure must start at zero, got %d", first.RetryCount)
	}
	again, _ := store.Upsert(ctx, failure)
	if again.RetryCount != 0 {
		t.Fatalf("non-reattempt must not increment, got %d", again.RetryCount)
	}
	failure.Reattempt = true
	failure.Reason = "503"
	failure.Payload = json.RawMessage(`{"v":2}`)
	bumped, _ := store.Upsert(ctx, failure)
	if bumped.RetryCount != 1 || bumped.LastError != "503" || string(bumped.Payload) != `{"v":2}` {
		t.Fatalf("unexpected entry after reattempt: %+v", bumped)
	}
	all, _ := store.ListEligible(ctx, 100, 0)
	if len(all) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(all))
	}
}

func TestRetryStoreEligibilityBound(t *testing.T) {
	store := NewRetryStore(nil)
	ctx := context.Background()
	failure := retrystore.Failure{SubjectID: 42, Category: schema.CategoryAccountUpdate, Payload: json.RawMessage(`{}`), Reason: "x"}
	if _, err := store.Upsert(ctx, failure); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	failure.Reattempt = true
	_, _ = store.Upsert(ctx, failure)
	_, _ = store.Upsert(ctx, failure)

	eligible, _ := store.ListEligible(ctx, 3, 10)
	if len(eligible) != 1 || eligible[0].RetryCount != 2 {
		t.Fatalf("expected entry with count 2 under bound 3, got %+v", eligible)
	}
	eligible, _ = store.ListEligible(ctx, 2, 10)
	if len(eligible) != 0 {
		t.Fatalf("expected entry excluded under bound 2, got %+v", eligible)
	}
	exceeded, _ := store.ListExceeded(ctx, 2, 10)
	if len(exceeded) != 1 {
		t.Fatalf("expected entry listed as exceeded")
	}
}

func TestRetryStoreOrdersOldestFirst(t *testing.T) {
	store := NewRetryStore(newStepClock().Now)
	ctx := context.Background()
	for _, id := range []int64{3, 1, 2} {
		_, _ = store.Upsert(ctx, retrystore.Failure{SubjectID: id, Category: schema.CategoryAccountUpdate, Reason: "x"})
	}
	_, _ = store.Upsert(ctx, retrystore.Failure{SubjectID: 3, Category: schema.CategoryAccountUpdate, Reason: "again", Reattempt: true})

	eligible, _ := store.ListEligible(ctx, 5, 0)
	order := []int64{eligible[0].SubjectID, eligible[1].SubjectID, eligible[2].SubjectID}
	if order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("unexpected order %v", order)
	}
	limited, _ := store.ListEligible(ctx, 5, 2)
	if len(limited) != 2 {
		t.Fatalf("expected limit to apply")
	}
}

func TestRetryStorePoisonResetDelete(t *testing.T) {
	store := NewRetryStore(nil)
	ctx := context.Background()
	_, _ = store.Upsert(ctx, retrystore.Failure{SubjectID: 9, Category: schema.CategoryTestSubjectUpdate, Reason: "x"})

	if err := store.MarkPoisoned(ctx, 9, schema.CategoryTestSubjectUpdate, "bad payload"); err != nil {
		t.Fatalf("MarkPoisoned() error = %v", err)
	}
	entry, _ := store.Get(ctx, 9, schema.CategoryTestSubjectUpdate)
	if !entry.Poisoned() {
		t.Fatalf("expected poisoned entry, got %+v", entry)
	}
	_, _ = store.Upsert(ctx, retrystore.Failure{SubjectID: 9, Category: schema.CategoryTestSubjectUpdate, Reason: "y", Reattempt: true})
	entry, _ = store.Get(ctx, 9, schema.CategoryTestSubjectUpdate)
	if entry.RetryCount != retrystore.PoisonRetryCount {
		t.Fatalf("poison sentinel must not overflow, got %d", entry.RetryCount)
	}
	if err := store.ResetCount(ctx, 9, schema.CategoryTestSubjectUpdate); err != nil {
		t.Fatalf("ResetCount() error = %v", err)
	}
	if err := store.Delete(ctx, 9, schema.CategoryTestSubjectUpdate); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(ctx, 9, schema.CategoryTestSubjectUpdate); err != nil {
		t.Fatalf("second Delete() should be a no-op, got %v", err)
	}
	if err := store.MarkPoisoned(ctx, 9, schema.CategoryTestSubjectUpdate, "gone"); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestRetryStoreConcurrentUpsertsKeepOneRow(t *testing.T) {
	store := NewRetryStore(nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Upsert(ctx, retrystore.Failure{SubjectID: 5, Category: schema.CategoryAccountUpdate, Reason: "race", Reattempt: true})
		}()
	}
	wg.Wait()
	entries, _ := store.ListEligible(ctx, 1000, 0)
	if len(entries) != 1 {
		t.Fatalf("expected a single row, got %d", len(entries))
	}
	if entries[0].RetryCount != 31 {
		t.Fatalf("expected 31 increments after first insert, got %d", entries[0].RetryCount)
	}
}

func TestTrackingStoreEnsureAndAcknowledge(t *testing.T) {
	store := NewTrackingStore(nil)
	ctx := context.Background()

	rec, err := store.Ensure(ctx, 100, "ORD-100", schema.IdentifierOrderID)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if rec.Acknowledged() {
		t.Fatalf("fresh record must not be acknowledged")
	}
	if err := store.SetLastStatus(ctx, 100, schema.IdentifierOrderID, "CREATED"); err != nil {
		t.Fatalf("SetLastStatus() error = %v", err)
	}
	again, _ := store.Ensure(ctx, 100, "ORD-100", schema.IdentifierOrderID)
	if !again.Acknowledged() || *again.LastMessageStatus != "CREATED" {
		t.Fatalf("ensure must not reset status: %+v", again)
	}
	if _, err := store.Ensure(ctx, 100, "1Z999", schema.IdentifierParticipantTracking); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	records, _ := store.ListByOrder(ctx, 100)
	if len(records) != 2 {
		t.Fatalf("expected two identifiers, got %d", len(records))
	}
	if err := store.SetLastStatus(ctx, 200, schema.IdentifierOrderID, "CREATED"); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected not found for unknown order, got %v", err)
	}
	if _, err := store.Ensure(ctx, 100, "x", schema.IdentifierType("BOGUS")); err == nil {
		t.Fatalf("expected invalid identifier type error")
	}
}

func TestIngestStoreCheckpointOnlyAdvances(t *testing.T) {
	store := NewIngestStore(nil)
	ctx := context.Background()
	if _, err := store.GetCheckpoint(ctx, "orders"); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	moved, err := store.AdvanceCheckpoint(ctx, "orders", "2024-01-02T00:00:00Z")
	if err != nil || !moved {
		t.Fatalf("expected first advance, moved=%v err=%v", moved, err)
	}
	moved, _ = store.AdvanceCheckpoint(ctx, "orders", "2024-01-01T00:00:00Z")
	if moved {
		t.Fatalf("older cursor must be ignored")
	}
	cp, _ := store.GetCheckpoint(ctx, "orders")
	if cp.Cursor != "2024-01-02T00:00:00Z" {
		t.Fatalf("unexpected cursor %s", cp.Cursor)
	}
	moved, _ = store.AdvanceCheckpoint(ctx, "orders", "2024-01-02T00:00:00.5Z")
	if !moved {
		t.Fatalf("later fractional-second cursor must advance")
	}
	moved, _ = store.AdvanceCheckpoint(ctx, "orders", "2024-01-02T00:00:00.250Z")
	if moved {
		t.Fatalf("earlier fractional-second cursor must be ignored")
	}
}

func TestIngestStoreOpaqueCursorAdvances(t *testing.T) {
	store := NewIngestStore(nil)
	ctx := context.Background()
	for _, cursor := range []string{"page-9", "page-10", "page-10"} {
		if _, err := store.AdvanceCheckpoint(ctx, "returns", cursor); err != nil {
			t.Fatalf("advance %s: %v", cursor, err)
		}
	}
	cp, err := store.GetCheckpoint(ctx, "returns")
	if err != nil || cp.Cursor != "page-10" {
		t.Fatalf("unexpected checkpoint %+v err=%v", cp, err)
	}
}

func TestIngestStoreBatchLifecycle(t *testing.T) {
	store := NewIngestStore(nil)
	ctx := context.Background()
	batches := []ingeststore.Batch{
		{Sequence: 0, Payload: json.RawMessage(`[1,2]`), PartitionSize: 2},
		{Sequence: 1, Payload: json.RawMessage(`[3]`), PartitionSize: 2},
	}
	saved, err := store.SavePull(ctx, ingeststore.Pull{Feed: "orders", Payload: json.RawMessage(`[1,2,3]`)}, batches)
	if err != nil {
		t.Fatalf("SavePull() error = %v", err)
	}
	if len(saved) != 2 || saved[0].ID == 0 || saved[0].PullID == "" || saved[0].Status != ingeststore.BatchPending {
		t.Fatalf("unexpected saved batches %+v", saved)
	}
	if err := store.MarkDone(ctx, saved[0].ID); err != nil {
		t.Fatalf("MarkDone() error = %v", err)
	}
	if err := store.MarkError(ctx, saved[1].ID, "dispatch failed"); err != nil {
		t.Fatalf("MarkError() error = %v", err)
	}
	eligible, _ := store.ListEligible(ctx, 3, 10)
	if len(eligible) != 1 || eligible[0].ID != saved[1].ID || eligible[0].RetryCount != 1 {
		t.Fatalf("unexpected eligible batches %+v", eligible)
	}
	eligible, _ = store.ListEligible(ctx, 1, 10)
	if len(eligible) != 0 {
		t.Fatalf("expected retry bound to exclude batch")
	}
}

func TestIngestStoreSavePullRejectsDuplicateSequence(t *testing.T) {
	store := NewIngestStore(nil)
	_, err := store.SavePull(context.Background(), ingeststore.Pull{Feed: "orders"}, []ingeststore.Batch{{Sequence: 0}, {Sequence: 0}})
	if !errs.Is(err, errs.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if store.Pulls() != 0 {
		t.Fatalf("failed save must not persist the pull")
	}
}

func TestNewBundlesStores(t *testing.T) {
	s := New(nil)
	if s.Snapshots() == nil || s.Retries() == nil || s.Tracking() == nil || s.Ingestion() == nil {
		t.Fatalf("expected all repositories")
	}
}

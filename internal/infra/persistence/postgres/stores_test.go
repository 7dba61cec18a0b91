package postgres

import (
	"context"
	"testing"

	"github.com/coachpo/synctrack/internal/domain/ingeststore"
	"github.com/coachpo/synctrack/internal/domain/retrystore"
	"github.com/coachpo/synctrack/internal/domain/schema"
)

func TestSnapshotStoreNilPool(t *testing.T) {
	store := NewSnapshotStore(nil)
	ctx := context.Background()
	if _, err := store.Get(ctx, 1, schema.CategoryAccountUpdate); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.Upsert(ctx, 1, schema.CategoryAccountUpdate, []byte(`{"a":1}`)); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.Purge(ctx, 1, schema.CategoryAccountUpdate); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestRetryStoreNilPool(t *testing.T) {
	store := NewRetryStore(nil)
	ctx := context.Background()
	failure := retrystore.Failure{SubjectID: 1, Category: schema.CategoryAccountUpdate, Payload: []byte(`{}`), Reason: "timeout"}
	if _, err := store.Upsert(ctx, failure); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.Get(ctx, 1, schema.CategoryAccountUpdate); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListEligible(ctx, 3, 10); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListExceeded(ctx, 3, 10); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.MarkPoisoned(ctx, 1, schema.CategoryAccountUpdate, "bad"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.ResetCount(ctx, 1, schema.CategoryAccountUpdate); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.Delete(ctx, 1, schema.CategoryAccountUpdate); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestTrackingStoreNilPool(t *testing.T) {
	store := NewTrackingStore(nil)
	ctx := context.Background()
	if _, err := store.Get(ctx, 1, schema.IdentifierOrderID); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.Ensure(ctx, 1, "ORD-1", schema.IdentifierOrderID); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.SetLastStatus(ctx, 1, schema.IdentifierOrderID, "SHIPPED"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListByOrder(ctx, 1); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestIngestStoreNilPool(t *testing.T) {
	store := NewIngestStore(nil)
	ctx := context.Background()
	if _, err := store.GetCheckpoint(ctx, "orders"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.AdvanceCheckpoint(ctx, "orders", "2024-01-01T00:00:00Z"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.SavePull(ctx, ingeststore.Pull{Feed: "orders"}, nil); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListEligible(ctx, 3, 10); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.MarkDone(ctx, 1); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.MarkError(ctx, 1, "boom"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestSnapshotStoreRejectsInvalidCategoryBeforeQuerying(t *testing.T) {
	store := &SnapshotStore{}
	if _, err := store.Upsert(context.Background(), 1, schema.Category("BOGUS"), nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestClampLimit(t *testing.T) {
	if got := clampLimit(0, 10, 100); got != 10 {
		t.Fatalf("expected fallback, got %d", got)
	}
	if got := clampLimit(500, 10, 100); got != 100 {
		t.Fatalf("expected maximum, got %d", got)
	}
	if got := clampLimit(25, 10, 100); got != 25 {
		t.Fatalf("expected passthrough, got %d", got)
	}
}

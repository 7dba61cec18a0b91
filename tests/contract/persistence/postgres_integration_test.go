package persistence_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	dbmigrations "github.com/coachpo/synctrack/db/migrations"
	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/domain/ingeststore"
	"github.com/coachpo/synctrack/internal/domain/retrystore"
	"github.com/coachpo/synctrack/internal/domain/schema"
	"github.com/coachpo/synctrack/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/synctrack/internal/infra/persistence/postgres"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "synctrack"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/synctrack?sslmode=disable", host, port.Port())

	if err := migrations.ApplyFS(ctx, dsn, dbmigrations.Files, nil); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func requireSetup(t *testing.T) {
	t.Helper()
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	store := pgstore.NewSnapshotStore(testPool)

	_, err := store.Get(ctx, 1001, schema.CategoryAccountUpdate)
	require.True(t, errs.Is(err, errs.CodeNotFound))

	_, err = store.Upsert(ctx, 1001, schema.CategoryAccountUpdate, json.RawMessage(`{"subjectId":1001,"firstName":"Ada"}`))
	require.NoError(t, err)
	_, err = store.Upsert(ctx, 1001, schema.CategoryAccountUpdate, json.RawMessage(`{"subjectId":1001,"firstName":"Grace"}`))
	require.NoError(t, err)

	snap, err := store.Get(ctx, 1001, schema.CategoryAccountUpdate)
	require.NoError(t, err)
	require.JSONEq(t, `{"subjectId":1001,"firstName":"Grace"}`, string(snap.Payload))

	require.NoError(t, store.Purge(ctx, 1001, schema.CategoryAccountUpdate))
	_, err = store.Get(ctx, 1001, schema.CategoryAccountUpdate)
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestRetryStoreLifecycle(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	store := pgstore.NewRetryStore(testPool)
	failure := retrystore.Failure{
		SubjectID: 2001,
		Category:  schema.CategoryOrderStatusUpdate,
		Payload:   json.RawMessage(`{"orderId":2001}`),
		Reason:    "timeout",
	}

	entry, err := store.Upsert(ctx, failure)
	require.NoError(t, err)
	require.Zero(t, entry.RetryCount)

	failure.Reattempt = true
	failure.Reason = "503"
	entry, err = store.Upsert(ctx, failure)
	require.NoError(t, err)
	require.Equal(t, 1, entry.RetryCount)
	require.Equal(t, "503", entry.LastError)

	eligible, err := store.ListEligible(ctx, 3, 100)
	require.NoError(t, err)
	require.Contains(t, subjectIDs(eligible), int64(2001))

	require.NoError(t, store.MarkPoisoned(ctx, 2001, schema.CategoryOrderStatusUpdate, "bad payload"))
	poisoned, err := store.Get(ctx, 2001, schema.CategoryOrderStatusUpdate)
	require.NoError(t, err)
	require.True(t, poisoned.Poisoned())

	exceeded, err := store.ListExceeded(ctx, 3, 100)
	require.NoError(t, err)
	require.Contains(t, subjectIDs(exceeded), int64(2001))

	require.NoError(t, store.ResetCount(ctx, 2001, schema.CategoryOrderStatusUpdate))
	require.NoError(t, store.Delete(ctx, 2001, schema.CategoryOrderStatusUpdate))
	_, err = store.Get(ctx, 2001, schema.CategoryOrderStatusUpdate)
	require.True(t, errs.Is(err, errs.CodeNotFound))
	require.True(t, errs.Is(store.MarkPoisoned(ctx, 2001, schema.CategoryOrderStatusUpdate, "gone"), errs.CodeNotFound))
}

func TestRetryStoreConcurrentUpsertKeepsOneRow(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	store := pgstore.NewRetryStore(testPool)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Upsert(ctx, retrystore.Failure{
				SubjectID: 2002,
				Category:  schema.CategoryAccountUpdate,
				Payload:   json.RawMessage(fmt.Sprintf(`{"subjectId":2002,"n":%d}`, i)),
				Reason:    "timeout",
				Reattempt: true,
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	var rows int
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT count(*) FROM retry_entry WHERE subject_id = 2002`).Scan(&rows))
	require.Equal(t, 1, rows)
}

func TestTrackingStoreEnsureAndStatus(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	store := pgstore.NewTrackingStore(testPool)

	rec, err := store.Ensure(ctx, 3001, "TRK-1", schema.IdentifierParticipantTracking)
	require.NoError(t, err)
	require.Nil(t, rec.LastMessageStatus)

	again, err := store.Ensure(ctx, 3001, "TRK-1b", schema.IdentifierParticipantTracking)
	require.NoError(t, err)
	require.Equal(t, "TRK-1b", again.Identifier)

	require.NoError(t, store.SetLastStatus(ctx, 3001, schema.IdentifierParticipantTracking, "SHIPPED"))
	got, err := store.Get(ctx, 3001, schema.IdentifierParticipantTracking)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageStatus)
	require.Equal(t, "SHIPPED", *got.LastMessageStatus)

	_, err = store.Ensure(ctx, 3001, "3001", schema.IdentifierOrderID)
	require.NoError(t, err)
	all, err := store.ListByOrder(ctx, 3001)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestIngestStoreCheckpointAndBatches(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	store := pgstore.NewIngestStore(testPool)
	feed := "feed-" + uuid.NewString()

	_, err := store.GetCheckpoint(ctx, feed)
	require.True(t, errs.Is(err, errs.CodeNotFound))

	pull := ingeststore.Pull{
		ID:          uuid.NewString(),
		Feed:        feed,
		Payload:     json.RawMessage(`{"records":[]}`),
		WindowStart: "1970-01-01T00:00:00Z",
		NextCursor:  "2024-01-01T00:00:00Z",
	}
	saved, err := store.SavePull(ctx, pull, []ingeststore.Batch{
		{Sequence: 0, Payload: json.RawMessage(`[{"id":"a"}]`), PartitionSize: 50},
		{Sequence: 1, Payload: json.RawMessage(`[{"id":"b"}]`), PartitionSize: 50},
	})
	require.NoError(t, err)
	require.Len(t, saved, 2)
	require.NotZero(t, saved[0].ID)

	advanced, err := store.AdvanceCheckpoint(ctx, feed, pull.NextCursor)
	require.NoError(t, err)
	require.True(t, advanced)
	advanced, err = store.AdvanceCheckpoint(ctx, feed, "2023-01-01T00:00:00Z")
	require.NoError(t, err)
	require.False(t, advanced)
	advanced, err = store.AdvanceCheckpoint(ctx, feed, "2024-01-01T00:00:00.5Z")
	require.NoError(t, err)
	require.True(t, advanced, "a later instant with finer precision advances")
	advanced, err = store.AdvanceCheckpoint(ctx, feed, "2024-01-01T00:00:00Z")
	require.NoError(t, err)
	require.False(t, advanced)

	require.NoError(t, store.MarkDone(ctx, saved[0].ID))
	require.NoError(t, store.MarkError(ctx, saved[1].ID, "dispatch failed"))

	eligible, err := store.ListEligible(ctx, 5, 100)
	require.NoError(t, err)
	var ids []int64
	for _, b := range eligible {
		ids = append(ids, b.ID)
	}
	require.Contains(t, ids, saved[1].ID)
	require.NotContains(t, ids, saved[0].ID)
}

func subjectIDs(entries []retrystore.Entry) []int64 {
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.SubjectID)
	}
	return out
}

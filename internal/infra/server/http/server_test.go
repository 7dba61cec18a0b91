package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/domain/retrystore"
	"github.com/coachpo/synctrack/internal/domain/schema"
	"github.com/coachpo/synctrack/internal/infra/persistence/memory"
	"github.com/coachpo/synctrack/internal/observability"
	"github.com/coachpo/synctrack/internal/sync/orchestrator"
)

type stubSyncer struct {
	accounts []schema.AccountPayload
	orders   []schema.OrderStatusEvent
	flags    []*bool
	result   orchestrator.Result
}

func (s *stubSyncer) SyncAccount(_ context.Context, event schema.AccountPayload) orchestrator.Result {
	s.accounts = append(s.accounts, event)
	return s.result
}

func (s *stubSyncer) SyncSecondaryContacts(_ context.Context, event schema.AccountPayload) orchestrator.Result {
	s.accounts = append(s.accounts, event)
	return s.result
}

func (s *stubSyncer) SyncTestFlag(_ context.Context, _ int64, flag *bool) orchestrator.Result {
	s.flags = append(s.flags, flag)
	return s.result
}

func (s *stubSyncer) SyncOrderStatus(_ context.Context, event schema.OrderStatusEvent) orchestrator.Result {
	s.orders = append(s.orders, event)
	return s.result
}

type retryAdmin struct {
	store retrystore.Store
}

func (r retryAdmin) Exceeded(ctx context.Context, limit int) ([]retrystore.Entry, error) {
	return r.store.ListExceeded(ctx, 3, limit)
}

func (r retryAdmin) Requeue(ctx context.Context, subjectID int64, category schema.Category) error {
	return r.store.ResetCount(ctx, subjectID, category)
}

func newTestHandler(t *testing.T, syncer *stubSyncer) (http.Handler, *memory.Store, *observability.AuditRing) {
	t.Helper()
	store := memory.New(nil)
	ring := observability.NewAuditRing(4)
	handler := NewHandler(Deps{
		Syncer:      syncer,
		Retries:     retryAdmin{store: store.Retries()},
		Snapshots:   store.Snapshots(),
		Checkpoints: store.Ingestion(),
		Audit:       ring,
	})
	return handler, store, ring
}

func serve(handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	handler, _, _ := newTestHandler(t, &stubSyncer{})
	rec := serve(handler, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decodeBody(t, rec)["status"])

	failing := NewHandler(Deps{Health: func(context.Context) error { return errs.New("db", errs.CodeUnavailable) }})
	rec = serve(failing, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMethodNotAllowedSetsAllowHeader(t *testing.T) {
	handler, _, _ := newTestHandler(t, &stubSyncer{})
	rec := serve(handler, http.MethodPut, "/retries/requeue", "{}")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestIntakeAccountEvent(t *testing.T) {
	syncer := &stubSyncer{result: orchestrator.Result{Synced: true, Changes: []string{"ACCOUNT"}}}
	handler, _, _ := newTestHandler(t, syncer)

	rec := serve(handler, http.MethodPost, "/events/account", `{"subjectId":42,"firstName":"Ada"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, syncer.accounts, 1)
	require.Equal(t, int64(42), syncer.accounts[0].SubjectID)

	body := decodeBody(t, rec)
	require.Equal(t, true, body["synced"])
	require.Equal(t, []any{"ACCOUNT"}, body["changes"])
}

func TestIntakeTestFlagAndOrderStatus(t *testing.T) {
	syncer := &stubSyncer{result: orchestrator.Result{Synced: true}}
	handler, _, _ := newTestHandler(t, syncer)

	rec := serve(handler, http.MethodPost, "/events/test-subject", `{"subjectId":7,"testSubject":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, syncer.flags, 1)
	require.NotNil(t, syncer.flags[0])
	require.True(t, *syncer.flags[0])

	rec = serve(handler, http.MethodPost, "/events/order-status", `{"orderId":9,"subjectId":7,"identifier":"9"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, syncer.orders, 1)
	require.Equal(t, int64(9), syncer.orders[0].OrderID)
}

func TestIntakeMapsSyncErrors(t *testing.T) {
	transient := &stubSyncer{result: orchestrator.Result{Err: &orchestrator.SyncError{
		Kind: errs.KindTransient, Category: schema.CategoryAccountUpdate, SubjectID: 1,
		Err: errs.New("remote", errs.CodeUnavailable),
	}}}
	handler, _, _ := newTestHandler(t, transient)
	rec := serve(handler, http.MethodPost, "/events/account", `{"subjectId":1}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	errView, ok := decodeBody(t, rec)["error"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, string(errs.KindTransient), errView["kind"])

	permanent := &stubSyncer{result: orchestrator.Result{Err: &orchestrator.SyncError{
		Kind: errs.KindPermanent, Category: schema.CategoryAccountUpdate, SubjectID: 1,
		Err: errs.New("remote", errs.CodeRemoteRejected),
	}}}
	handler, _, _ = newTestHandler(t, permanent)
	rec = serve(handler, http.MethodPost, "/events/account", `{"subjectId":1}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestIntakeRejectsUndecodableAndUnknown(t *testing.T) {
	syncer := &stubSyncer{}
	handler, store, _ := newTestHandler(t, syncer)

	rec := serve(handler, http.MethodPost, "/events/account", `{"subjectId":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, syncer.accounts)
	queued, err := store.Retries().ListEligible(context.Background(), 10, 10)
	require.NoError(t, err)
	require.Empty(t, queued)

	rec = serve(handler, http.MethodPost, "/events/unknown", `{}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIntakeRejectsOversizedBody(t *testing.T) {
	handler, _, _ := newTestHandler(t, &stubSyncer{})
	body := `{"subjectId":1,"firstName":"` + strings.Repeat("a", int(maxJSONBodyBytes)) + `"}`
	rec := serve(handler, http.MethodPost, "/events/account", body)
	require.Contains(t, []int{http.StatusRequestEntityTooLarge, http.StatusBadRequest}, rec.Code)
}

func TestRetriesListAndRequeue(t *testing.T) {
	handler, store, _ := newTestHandler(t, &stubSyncer{})
	ctx := context.Background()
	retries := store.Retries()
	_, err := retries.Upsert(ctx, retrystore.Failure{
		SubjectID: 5, Category: schema.CategoryAccountUpdate, Payload: json.RawMessage(`{"subjectId":5}`), Reason: "boom",
	})
	require.NoError(t, err)
	for range 3 {
		_, err = retries.Upsert(ctx, retrystore.Failure{
			SubjectID: 5, Category: schema.CategoryAccountUpdate, Payload: json.RawMessage(`{"subjectId":5}`),
			Reason: "boom", Reattempt: true,
		})
		require.NoError(t, err)
	}

	rec := serve(handler, http.MethodGet, "/retries?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries, ok := decodeBody(t, rec)["entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)

	rec = serve(handler, http.MethodGet, "/retries?limit=zero", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(handler, http.MethodPost, "/retries/requeue", `{"subjectId":5,"category":"ACCOUNT_UPDATE"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	entry, err := retries.Get(ctx, 5, schema.CategoryAccountUpdate)
	require.NoError(t, err)
	require.Zero(t, entry.RetryCount)

	rec = serve(handler, http.MethodPost, "/retries/requeue", `{"subjectId":5,"category":"BOGUS"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(handler, http.MethodPost, "/retries/requeue", `{"subjectId":6,"category":"ACCOUNT_UPDATE"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPurgeSnapshot(t *testing.T) {
	handler, store, _ := newTestHandler(t, &stubSyncer{})
	ctx := context.Background()
	_, err := store.Snapshots().Upsert(ctx, 8, schema.CategoryAccountUpdate, json.RawMessage(`{"subjectId":8}`))
	require.NoError(t, err)

	rec := serve(handler, http.MethodDelete, "/snapshots/8/account_update", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	_, err = store.Snapshots().Get(ctx, 8, schema.CategoryAccountUpdate)
	require.True(t, errs.Is(err, errs.CodeNotFound))

	rec = serve(handler, http.MethodDelete, "/snapshots/x/ACCOUNT_UPDATE", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = serve(handler, http.MethodDelete, "/snapshots/8", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckpointAndAudit(t *testing.T) {
	handler, store, ring := newTestHandler(t, &stubSyncer{})
	ctx := context.Background()

	rec := serve(handler, http.MethodGet, "/checkpoints/orders", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	_, err := store.Ingestion().AdvanceCheckpoint(ctx, "orders", "2024-01-01T00:00:00Z")
	require.NoError(t, err)
	rec = serve(handler, http.MethodGet, "/checkpoints/orders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "2024-01-01T00:00:00Z", decodeBody(t, rec)["cursor"])

	ring.Offer(observability.AuditRecord{RequestID: "r-1", Method: http.MethodGet, URL: "https://remote/x", StatusCode: 200})
	rec = serve(handler, http.MethodGet, "/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	records, ok := decodeBody(t, rec)["records"].([]any)
	require.True(t, ok)
	require.Len(t, records, 1)
}

func TestWithCORSPreflight(t *testing.T) {
	handler := WithCORS(http.NotFoundHandler())
	rec := serve(handler, http.MethodOptions, "/events/account", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

// Package httpserver exposes the admin and event intake HTTP surface.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/domain/ingeststore"
	"github.com/coachpo/synctrack/internal/domain/retrystore"
	"github.com/coachpo/synctrack/internal/domain/schema"
	"github.com/coachpo/synctrack/internal/observability"
	"github.com/coachpo/synctrack/internal/sync/orchestrator"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath        = "/healthz"
	retriesPath       = "/retries"
	requeuePath       = "/retries/requeue"
	snapshotPrefix    = "/snapshots/"
	checkpointPrefix  = "/checkpoints/"
	auditPath         = "/audit"
	eventsPrefix      = "/events/"
	defaultListLimit  = 100
	eventAccount      = "account"
	eventSecondary    = "secondary-contacts"
	eventTestSubject  = "test-subject"
	eventOrderStatus  = "order-status"
	healthCheckBudget = 2 * time.Second
)

// Syncer is the orchestrator surface driven by inbound events.
type Syncer interface {
	SyncAccount(ctx context.Context, event schema.AccountPayload) orchestrator.Result
	SyncSecondaryContacts(ctx context.Context, event schema.AccountPayload) orchestrator.Result
	SyncTestFlag(ctx context.Context, subjectID int64, flag *bool) orchestrator.Result
	SyncOrderStatus(ctx context.Context, event schema.OrderStatusEvent) orchestrator.Result
}

// RetryAdmin lists and requeues retry entries.
type RetryAdmin interface {
	Exceeded(ctx context.Context, limit int) ([]retrystore.Entry, error)
	Requeue(ctx context.Context, subjectID int64, category schema.Category) error
}

// SnapshotPurger removes a snapshot so the next event re-syncs in full.
type SnapshotPurger interface {
	Purge(ctx context.Context, subjectID int64, category schema.Category) error
}

// CheckpointReader reads feed cursors.
type CheckpointReader interface {
	GetCheckpoint(ctx context.Context, feed string) (ingeststore.Checkpoint, error)
}

// Deps are the collaborators behind the handler. Nil collaborators disable their routes.
type Deps struct {
	Syncer      Syncer
	Retries     RetryAdmin
	Snapshots   SnapshotPurger
	Checkpoints CheckpointReader
	Audit       *observability.AuditRing
	// Health is probed by /healthz when set.
	Health func(ctx context.Context) error
	Logger observability.Logger
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	deps   Deps
	logger observability.Logger
}

// NewHandler creates the HTTP handler.
func NewHandler(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = observability.Log()
	}
	server := &httpServer{deps: deps, logger: logger}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	if deps.Retries != nil {
		mux.Handle(retriesPath, server.methodHandlers(map[string]handlerFunc{
			http.MethodGet: server.listExceeded,
		}))
		mux.Handle(requeuePath, server.methodHandlers(map[string]handlerFunc{
			http.MethodPost: server.requeue,
		}))
	}
	if deps.Snapshots != nil {
		mux.Handle(snapshotPrefix, server.methodHandlers(map[string]handlerFunc{
			http.MethodDelete: server.purgeSnapshot,
		}))
	}
	if deps.Checkpoints != nil {
		mux.Handle(checkpointPrefix, server.methodHandlers(map[string]handlerFunc{
			http.MethodGet: server.getCheckpoint,
		}))
	}
	if deps.Audit != nil {
		mux.Handle(auditPath, server.methodHandlers(map[string]handlerFunc{
			http.MethodGet: server.listAudit,
		}))
	}
	if deps.Syncer != nil {
		mux.Handle(eventsPrefix, server.methodHandlers(map[string]handlerFunc{
			http.MethodPost: server.intake,
		}))
	}
	return mux
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckBudget)
		defer cancel()
		if err := s.deps.Health(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type retryEntryView struct {
	SubjectID  int64     `json:"subjectId"`
	Category   string    `json:"category"`
	RetryCount int       `json:"retryCount"`
	Poisoned   bool      `json:"poisoned"`
	LastError  string    `json:"lastError,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (s *httpServer) listExceeded(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.deps.Retries.Exceeded(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	views := make([]retryEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, retryEntryView{
			SubjectID:  e.SubjectID,
			Category:   string(e.Category),
			RetryCount: e.RetryCount,
			Poisoned:   e.Poisoned(),
			LastError:  e.LastError,
			UpdatedAt:  e.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}

type requeuePayload struct {
	SubjectID int64  `json:"subjectId"`
	Category  string `json:"category"`
}

func (s *httpServer) requeue(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload requeuePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	category := schema.Category(strings.TrimSpace(payload.Category))
	if err := category.Validate(); err != nil || payload.SubjectID <= 0 {
		writeError(w, http.StatusBadRequest, "subjectId and a valid category required")
		return
	}
	if err := s.deps.Retries.Requeue(r.Context(), payload.SubjectID, category); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

// purgeSnapshot handles DELETE /snapshots/{subjectId}/{category}.
func (s *httpServer) purgeSnapshot(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, snapshotPrefix), "/"), "/")
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "expected /snapshots/{subjectId}/{category}")
		return
	}
	subjectID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || subjectID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid subject id")
		return
	}
	category := schema.Category(strings.ToUpper(parts[1]))
	if err := category.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Snapshots.Purge(r.Context(), subjectID, category); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("snapshot purged",
		observability.Field{Key: "subject_id", Value: subjectID},
		observability.Field{Key: "category", Value: string(category)},
	)
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) getCheckpoint(w http.ResponseWriter, r *http.Request) {
	feed := strings.Trim(strings.TrimPrefix(r.URL.Path, checkpointPrefix), "/")
	if feed == "" {
		writeError(w, http.StatusNotFound, "feed name required")
		return
	}
	cp, err := s.deps.Checkpoints.GetCheckpoint(r.Context(), feed)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"feed": cp.Feed, "cursor": cp.Cursor, "updatedAt": cp.UpdatedAt})
}

func (s *httpServer) listAudit(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"records": s.deps.Audit.Snapshot()})
}

type testFlagPayload struct {
	SubjectID   int64 `json:"subjectId"`
	TestSubject *bool `json:"testSubject"`
}

type syncErrorView struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type resultView struct {
	Synced  bool           `json:"synced"`
	Changes []string       `json:"changes,omitempty"`
	Error   *syncErrorView `json:"error,omitempty"`
}

// intake decodes one inbound event and runs it through the orchestrator.
// Undecodable events are rejected and logged; they are never queued.
func (s *httpServer) intake(w http.ResponseWriter, r *http.Request) {
	kind := strings.Trim(strings.TrimPrefix(r.URL.Path, eventsPrefix), "/")
	limitRequestBody(w, r)
	decoder := json.NewDecoder(r.Body)

	var (
		result orchestrator.Result
		err    error
	)
	switch kind {
	case eventAccount, eventSecondary:
		var event schema.AccountPayload
		if err = decoder.Decode(&event); err == nil {
			if kind == eventAccount {
				result = s.deps.Syncer.SyncAccount(r.Context(), event)
			} else {
				result = s.deps.Syncer.SyncSecondaryContacts(r.Context(), event)
			}
		}
	case eventTestSubject:
		var event testFlagPayload
		if err = decoder.Decode(&event); err == nil {
			result = s.deps.Syncer.SyncTestFlag(r.Context(), event.SubjectID, event.TestSubject)
		}
	case eventOrderStatus:
		var event schema.OrderStatusEvent
		if err = decoder.Decode(&event); err == nil {
			result = s.deps.Syncer.SyncOrderStatus(r.Context(), event)
		}
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown event kind %q", kind))
		return
	}
	if err != nil {
		s.logger.Error("inbound event undecodable",
			observability.Field{Key: "kind", Value: kind},
			observability.Field{Key: "error", Value: err},
		)
		writeDecodeError(w, err)
		return
	}

	view := resultView{Synced: result.Synced, Changes: result.Changes}
	status := http.StatusOK
	if result.Err != nil {
		view.Error = &syncErrorView{Kind: string(result.Err.Kind), Message: result.Err.Error()}
		status = http.StatusUnprocessableEntity
		if result.Err.Retryable() {
			status = http.StatusAccepted
		}
	}
	writeJSON(w, status, view)
}

func (s *httpServer) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errs.Is(err, errs.CodeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errs.Is(err, errs.CodeInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("admin request failed", observability.Field{Key: "error", Value: err})
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return limit, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

// WithCORS allows browser-based admin consoles to call the API.
func WithCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

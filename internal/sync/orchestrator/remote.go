package orchestrator

import (
	"context"

	json "github.com/goccy/go-json"

	"github.com/coachpo/synctrack/internal/domain/schema"
)

// Request is one call to the remote authority.
type Request struct {
	Category  schema.Category
	SubjectID int64
	Method    string
	Path      string
	Body      json.RawMessage
	Headers   map[string]string
}

// Response is the remote answer. Transports return an *errs.E for transport
// failures; non-2xx statuses may be reported either way.
type Response struct {
	StatusCode int
	Body       json.RawMessage
	Headers    map[string]string
}

// RemoteSync sends requests to the remote authority.
type RemoteSync interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// SSNLookup fetches the current SSN of a subject. It is only consulted when an
// event says an SSN is on file.
type SSNLookup interface {
	CurrentSSN(ctx context.Context, subjectID int64) (string, error)
}

package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/domain/schema"
	"github.com/coachpo/synctrack/internal/sync/formcache"
	"github.com/coachpo/synctrack/internal/sync/ingest"
	"github.com/coachpo/synctrack/internal/sync/orchestrator"
)

// Send implements orchestrator.RemoteSync.
func (c *Client) Send(ctx context.Context, req orchestrator.Request) (orchestrator.Response, error) {
	var body any
	if len(req.Body) > 0 {
		body = req.Body
	}
	rep, err := c.do(ctx, call{
		category: string(req.Category),
		method:   req.Method,
		path:     req.Path,
		body:     body,
		headers:  req.Headers,
	})
	resp := orchestrator.Response{StatusCode: rep.status, Body: rep.body}
	if len(rep.headers) > 0 {
		resp.Headers = make(map[string]string, len(rep.headers))
		for k := range rep.headers {
			resp.Headers[k] = rep.headers.Get(k)
		}
	}
	return resp, err
}

type feedResponse struct {
	Records    []json.RawMessage `json:"records"`
	NextCursor string            `json:"nextCursor"`
}

// Pull implements ingest.RemoteFeed.
func (c *Client) Pull(ctx context.Context, feed, startCursor string) (ingest.Page, error) {
	rep, err := c.do(ctx, call{
		category: "FEED",
		method:   http.MethodGet,
		path:     "/feeds/" + url.PathEscape(feed) + "/records",
		query:    url.Values{"start": []string{startCursor}},
	})
	if err != nil {
		return ingest.Page{}, err
	}
	var decoded feedResponse
	if err := json.Unmarshal(rep.body, &decoded); err != nil {
		return ingest.Page{}, errs.New(component, errs.CodeMalformed, errs.WithMessage("decode feed"), errs.WithCause(err), errs.WithField("feed", feed))
	}
	return ingest.Page{Records: decoded.Records, NextCursor: decoded.NextCursor, Raw: rep.body}, nil
}

type identityResponse struct {
	SubjectID int64 `json:"subjectId"`
}

// Resolve implements ingest.IdentityResolver. A 404 means the identifier is unknown.
func (c *Client) Resolve(ctx context.Context, externalID string) (int64, bool, error) {
	var decoded identityResponse
	_, err := c.getJSON(ctx, "IDENTITY", "/identities/"+url.PathEscape(externalID), nil, &decoded)
	if err != nil {
		if isNotFound(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if decoded.SubjectID <= 0 {
		return 0, false, nil
	}
	return decoded.SubjectID, true, nil
}

type ssnResponse struct {
	SSN string `json:"ssn"`
}

// CurrentSSN implements orchestrator.SSNLookup.
func (c *Client) CurrentSSN(ctx context.Context, subjectID int64) (string, error) {
	var decoded ssnResponse
	if _, err := c.getJSON(ctx, string(schema.CategorySecondaryContactUpdate), fmt.Sprintf("/subjects/%d/ssn", subjectID), nil, &decoded); err != nil {
		return "", err
	}
	return strings.TrimSpace(decoded.SSN), nil
}

type formResponse struct {
	Fields []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"fields"`
}

// LoadFieldIDs implements formcache.Loader.
func (c *Client) LoadFieldIDs(ctx context.Context, key formcache.Key) (formcache.FieldIDs, error) {
	var decoded formResponse
	path := "/forms/" + url.PathEscape(key.FormID) + "/versions/" + url.PathEscape(key.FormVersionID)
	if _, err := c.getJSON(ctx, "FORM", path, nil, &decoded); err != nil {
		return nil, err
	}
	ids := make(formcache.FieldIDs, len(decoded.Fields))
	for _, f := range decoded.Fields {
		name := strings.TrimSpace(f.Name)
		if name == "" || f.ID == "" {
			continue
		}
		ids[name] = f.ID
	}
	return ids, nil
}

// Dispatch implements ingest.Dispatcher. The idempotency key lets the
// receiver drop re-sent events.
func (c *Client) Dispatch(ctx context.Context, event schema.StatusEvent) error {
	_, err := c.do(ctx, call{
		category: "STATUS_EVENT",
		method:   http.MethodPost,
		path:     "/status-events",
		body:     event,
		headers:  map[string]string{"Idempotency-Key": event.IdempotencyKey()},
	})
	return err
}

var (
	_ orchestrator.RemoteSync = (*Client)(nil)
	_ orchestrator.SSNLookup  = (*Client)(nil)
	_ ingest.RemoteFeed       = (*Client)(nil)
	_ ingest.IdentityResolver = (*Client)(nil)
	_ ingest.Dispatcher       = (*Client)(nil)
	_ formcache.Loader        = (*Client)(nil)
	_ EventLog                = RingLog{}
)

// Package remote implements the HTTP collaborators of the sync engine: the
// remote sync sink, the status feed, the identity directory and the form registry.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/coachpo/synctrack/errs"
	"github.com/coachpo/synctrack/internal/observability"
)

const (
	component       = "remote"
	maxResponseSize = 4 << 20
	requestIDHeader = "X-Request-Id"
)

// OAuthConfig holds client-credentials settings. An empty ClientID disables OAuth.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// Config tunes the client.
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RatePerSecond <= 0 disables rate limiting.
	RatePerSecond float64
	Burst         int
	OAuth         OAuthConfig
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// EventLog receives one record per remote exchange. Implementations must not block.
type EventLog interface {
	Record(ctx context.Context, record observability.AuditRecord)
}

// RingLog adapts an AuditRing to EventLog.
type RingLog struct {
	Ring *observability.AuditRing
}

// Record implements EventLog.
func (l RingLog) Record(_ context.Context, record observability.AuditRecord) {
	if l.Ring != nil {
		l.Ring.Offer(record)
	}
}

// Client is a rate-limited, retrying JSON client for the remote authority.
type Client struct {
	base    *url.URL
	http    *http.Client
	cfg     Config
	limiter *rate.Limiter
	events  EventLog
	logger  observability.Logger
	clock   func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport client used for requests and token fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithEventLog attaches the audit sink.
func WithEventLog(log EventLog) Option {
	return func(c *Client) {
		c.events = log
	}
}

// WithLogger overrides the global logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient builds a client. OAuth, when configured, wraps the transport client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("remote base url invalid"), errs.WithField("url", cfg.BaseURL))
	}
	c := &Client{
		base:   base,
		http:   &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: observability.Log(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if cfg.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}
	if strings.TrimSpace(cfg.OAuth.ClientID) != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.http)
		authed := cc.Client(tokenCtx)
		authed.Timeout = c.http.Timeout
		c.http = authed
	}
	return c, nil
}

type call struct {
	category string
	method   string
	path     string
	query    url.Values
	body     any
	headers  map[string]string
}

type reply struct {
	status  int
	body    []byte
	headers http.Header
}

// do executes the call with bounded retries. Statuses outside 2xx come back as
// *errs.E carrying the status, so callers can route on errs.KindOf.
func (c *Client) do(ctx context.Context, in call) (reply, error) {
	var payload []byte
	if in.body != nil {
		encoded, err := json.Marshal(in.body)
		if err != nil {
			return reply{}, errs.New(component, errs.CodeSerialization, errs.WithCause(err))
		}
		payload = encoded
	}
	target := c.resolve(in.path, in.query)
	requestID := uuid.NewString()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.InitialBackoff
	exp.MaxInterval = c.cfg.MaxBackoff

	attempt := 0
	return backoff.Retry(ctx, func() (reply, error) {
		attempt++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return reply{}, backoff.Permanent(errs.New(component, errs.CodeUnavailable, errs.WithMessage("rate limiter"), errs.WithCause(err)))
			}
		}
		out, err := c.roundTrip(ctx, in, target, payload, requestID, attempt)
		if err == nil {
			return out, nil
		}
		if errs.KindOf(err) != errs.KindTransient {
			return out, backoff.Permanent(err)
		}
		if secs, ok := retryAfter(out.headers); ok && attempt < c.cfg.MaxAttempts {
			return out, backoff.RetryAfter(secs)
		}
		return out, err
	}, backoff.WithBackOff(exp), backoff.WithMaxTries(uint(c.cfg.MaxAttempts)))
}

func (c *Client) roundTrip(ctx context.Context, in call, target string, payload []byte, requestID string, attempt int) (reply, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, in.method, target, body)
	if err != nil {
		return reply{}, errs.New(component, errs.CodeInvalid, errs.WithCause(err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(requestIDHeader, requestID)
	for k, v := range in.headers {
		req.Header.Set(k, v)
	}

	started := c.clock()
	resp, err := c.http.Do(req)
	record := observability.AuditRecord{
		RequestID:  requestID,
		Method:     in.method,
		URL:        target,
		Category:   in.category,
		Headers:    map[string]string{"attempt": strconv.Itoa(attempt)},
		RecordedAt: started.UTC(),
	}
	if err != nil {
		record.Duration = c.clock().Sub(started)
		record.Error = err.Error()
		c.record(ctx, record)
		return reply{}, errs.New(component, errs.CodeNetwork, errs.WithCause(err), errs.WithField("url", target))
	}
	defer resp.Body.Close()
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	record.Duration = c.clock().Sub(started)
	record.StatusCode = resp.StatusCode
	out := reply{status: resp.StatusCode, body: raw, headers: resp.Header}
	if readErr != nil {
		record.Error = readErr.Error()
		c.record(ctx, record)
		return out, errs.New(component, errs.CodeNetwork, errs.WithMessage("read response"), errs.WithCause(readErr))
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		code := errs.CodeRemoteRejected
		if errs.KindForStatus(resp.StatusCode) == errs.KindTransient {
			code = errs.CodeUnavailable
		}
		e := errs.New(component, code,
			errs.WithHTTP(resp.StatusCode),
			errs.WithRawMessage(truncate(string(raw), 512)),
			errs.WithField("url", target),
		)
		record.Error = e.Error()
		c.record(ctx, record)
		return out, e
	}
	c.record(ctx, record)
	return out, nil
}

// record never lets the audit sink fail the request path.
func (c *Client) record(ctx context.Context, rec observability.AuditRecord) {
	if c.events == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event log panicked", observability.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()
	c.events.Record(ctx, rec)
}

func (c *Client) resolve(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) getJSON(ctx context.Context, category, path string, query url.Values, out any) (int, error) {
	rep, err := c.do(ctx, call{category: category, method: http.MethodGet, path: path, query: query})
	if err != nil {
		return rep.status, err
	}
	if err := json.Unmarshal(rep.body, out); err != nil {
		return rep.status, errs.New(component, errs.CodeMalformed, errs.WithMessage("decode response"), errs.WithCause(err), errs.WithField("path", path))
	}
	return rep.status, nil
}

func retryAfter(h http.Header) (int, bool) {
	if h == nil {
		return 0, false
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return secs, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func isNotFound(err error) bool {
	var e *errs.E
	return errors.As(err, &e) && e.HTTP == http.StatusNotFound
}

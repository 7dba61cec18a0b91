// Package errs provides structured error types and helpers for synctrack services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeRemoteRejected indicates the remote authority refused the request.
	CodeRemoteRejected Code = "remote_rejected"
	// CodeSerialization indicates a payload could not be encoded or decoded.
	CodeSerialization Code = "serialization"
	// CodeMalformed indicates a remote response lacked required fields.
	CodeMalformed Code = "malformed_response"
)

// Kind routes a failure: transient failures are retried, the others are surfaced.
type Kind string

const (
	// KindTransient marks failures worth retrying later (network, 5xx, 429).
	KindTransient Kind = "transient"
	// KindPermanent marks remote rejections that will not succeed on retry.
	KindPermanent Kind = "permanent"
	// KindValidation marks local input or serialization failures.
	KindValidation Kind = "validation"
)

// E captures structured error information produced across the synctrack stack.
type E struct {
	Component string
	Code      Code
	Kind      Kind
	HTTP      int
	RawMsg    string
	Message   string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Kind:      defaultKind(code),
		HTTP:      0,
		RawMsg:    "",
		Message:   "",
		Metadata:  nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code and derives the kind from it.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
		e.Kind = KindForStatus(status)
	}
}

// WithKind overrides the routing kind.
func WithKind(kind Kind) Option {
	return func(e *E) {
		if kind != "" {
			e.Kind = kind
		}
	}
}

// WithRawMessage captures the raw remote error body.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)
	if e.Kind != "" {
		parts = append(parts, "kind="+string(e.Kind))
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// KindForStatus maps an HTTP status to a routing kind.
// 408, 425, 429 and 5xx are transient; other 4xx are permanent.
func KindForStatus(status int) Kind {
	switch {
	case status == 408 || status == 425 || status == 429:
		return KindTransient
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindPermanent
	default:
		return KindTransient
	}
}

// KindOf reports the routing kind of err. Errors without an envelope are transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) && e.Kind != "" {
		return e.Kind
	}
	return KindTransient
}

// Is reports whether err carries an envelope with the given code.
func Is(err error, code Code) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// NotFound returns a standardized missing-resource error.
func NotFound(component, msg string) *E {
	return New(component, CodeNotFound, WithMessage(msg))
}

func defaultKind(code Code) Kind {
	switch code {
	case CodeInvalid, CodeSerialization:
		return KindValidation
	case CodeRemoteRejected:
		return KindPermanent
	default:
		return KindTransient
	}
}

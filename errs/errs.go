// Package errs provides structured error types and helpers for tradeflow services.
package errs

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Kind tags an error with the failure family it belongs to. The kind is attached where
// the error is raised and is never derived from message text.
type Kind string

const (
	// KindNotFound indicates that a referenced entity does not exist.
	KindNotFound Kind = "not_found"
	// KindVersionConflict indicates an optimistic version check failed.
	KindVersionConflict Kind = "version_conflict"
	// KindValidation indicates invalid input provided by the caller.
	KindValidation Kind = "validation"
	// KindClient indicates the downstream service rejected the request (4xx).
	KindClient Kind = "client_error"
	// KindServer indicates a downstream server-side failure (5xx).
	KindServer Kind = "server_error"
	// KindNetwork indicates a transport failure (timeout, refused connection).
	KindNetwork Kind = "network_error"
	// KindUnavailable indicates a local resource refused work (closed pool, open circuit).
	KindUnavailable Kind = "unavailable"
	// KindInternal captures uncategorised failures.
	KindInternal Kind = "internal"
)

// Category classifies failures for logging and response assembly.
type Category string

const (
	// CategoryClient marks failures caused by the request itself.
	CategoryClient Category = "CLIENT"
	// CategoryServer marks downstream server failures.
	CategoryServer Category = "SERVER"
	// CategoryNetwork marks transport failures.
	CategoryNetwork Category = "NETWORK"
	// CategoryUnknown marks anything else.
	CategoryUnknown Category = "UNKNOWN"
)

// E captures structured error information produced across the tradeflow stack.
type E struct {
	Op        string
	Kind      Kind
	HTTP      int
	Code      string
	Message   string
	Category  Category
	Retryable bool

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and kind.
func New(op string, kind Kind, opts ...Option) *E {
	e := &E{
		Op:       strings.TrimSpace(op),
		Kind:     kind,
		Category: categoryFor(kind),
	}
	e.Retryable = e.Category == CategoryServer || e.Category == CategoryNetwork
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

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCode records a machine readable error code (e.g. SERVER_ERROR_503).
func WithCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.Code = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCategory overrides the category derived from the kind.
func WithCategory(category Category) Option {
	return func(e *E) {
		e.Category = category
	}
}

// WithRetryable overrides the retryability derived from the kind.
func WithRetryable(retryable bool) Option {
	return func(e *E) {
		e.Retryable = retryable
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 6)
	op := e.Op
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)
	kind := strings.TrimSpace(string(e.Kind))
	if kind == "" {
		kind = string(KindInternal)
	}
	parts = append(parts, "kind="+kind)
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Detail returns the message, falling back to the cause and kind.
func (e *E) Detail() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.cause != nil {
		return e.cause.Error()
	}
	return string(e.Kind)
}

// StatusCode maps the error onto the HTTP status a caller should see.
func (e *E) StatusCode() int {
	if e == nil {
		return http.StatusOK
	}
	if e.HTTP > 0 && e.Kind == KindValidation {
		return e.HTTP
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindVersionConflict:
		return http.StatusConflict
	case KindClient, KindServer, KindNetwork:
		return http.StatusBadGateway
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// As extracts the envelope from err when present.
func As(err error) (*E, bool) {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind carried by err, or KindInternal when err is not an envelope.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// NotFound returns a standardized not-found error.
func NotFound(op, msg string) *E {
	return New(op, KindNotFound, WithMessage(msg))
}

// VersionConflict returns a standardized optimistic locking error.
func VersionConflict(op, msg string) *E {
	return New(op, KindVersionConflict, WithMessage(msg))
}

// Invalid returns a standardized validation error.
func Invalid(op, msg string) *E {
	return New(op, KindValidation, WithMessage(msg))
}

func categoryFor(kind Kind) Category {
	switch kind {
	case KindClient, KindValidation, KindNotFound, KindVersionConflict:
		return CategoryClient
	case KindServer:
		return CategoryServer
	case KindNetwork:
		return CategoryNetwork
	default:
		return CategoryUnknown
	}
}

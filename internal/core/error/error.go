package errx

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "redis key not found"
	// StoreErrorMessage describes usage store failures.
	StoreErrorMessage = "usage store operation failed"
)

// Kind classifies an AppError so callers can route on it without string matching.
type Kind string

const (
	KindInternal           Kind = "internal_error"
	KindInvalidRequest     Kind = "invalid_request"
	KindInvalidRole        Kind = "invalid_role"
	KindParse              Kind = "parse_error"
	KindConstraint         Kind = "constraint_error"
	KindUpstreamTimeout    Kind = "upstream_timeout"
	KindUpstreamRateLimit  Kind = "upstream_rate_limit"
	KindUpstreamServer     Kind = "upstream_server_error"
	KindUpstreamConnection Kind = "upstream_connection_error"
	KindCircuitOpen        Kind = "circuit_open"
	KindCancelled          Kind = "cancelled"
	KindStore              Kind = "store_error"
	KindNotFound           Kind = "not_found"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrParse              = &AppError{Kind: KindParse}
	ErrConstraint         = &AppError{Kind: KindConstraint}
	ErrUpstreamTimeout    = &AppError{Kind: KindUpstreamTimeout}
	ErrUpstreamRateLimit  = &AppError{Kind: KindUpstreamRateLimit}
	ErrUpstreamServer     = &AppError{Kind: KindUpstreamServer}
	ErrUpstreamConnection = &AppError{Kind: KindUpstreamConnection}
	ErrCircuitOpen        = &AppError{Kind: KindCircuitOpen}
	ErrCancelled          = &AppError{Kind: KindCancelled}
	ErrInvalidRole        = &AppError{Kind: KindInvalidRole}
	ErrInvalidRequest     = &AppError{Kind: KindInvalidRequest}
	ErrNotFound           = &AppError{Kind: KindNotFound}
)

// AppError wraps an underlying error with an HTTP status, a kind and a safe message.
type AppError struct {
	Err     error
	Status  int
	Message string
	Kind    Kind
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Err:     err,
		Status:  status,
		Message: message,
		Kind:    KindInternal,
	}
}

// Newf creates a kinded AppError with a formatted message and no wrapped cause.
func Newf(kind Kind, status int, format string, args ...any) *AppError {
	return &AppError{
		Status:  status,
		Message: fmt.Sprintf(format, args...),
		Kind:    kind,
	}
}

// Is reports whether the target matches the underlying error, or, for kind
// sentinels, whether the kinds are equal.
func (e *AppError) Is(target error) bool {
	if t, ok := target.(*AppError); ok && t.Err == nil && t.Message == "" && t.Kind != "" {
		return e.Kind == t.Kind
	}
	return errors.Is(e.Err, target)
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if errors.As(e.Err, target) {
		return true
	}
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return false
}

// KindOf returns the kind of the first AppError in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// StatusOf returns the HTTP status carried by err, defaulting to 500.
func StatusOf(err error) int {
	var ae *AppError
	if errors.As(err, &ae) && ae.Status != 0 {
		return ae.Status
	}
	return http.StatusInternalServerError
}

// MessageOf returns a message that is safe to show to API callers.
func MessageOf(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		if ae.Kind == KindInternal {
			return SystemErrorMessage
		}
		return ae.Error()
	}
	return SystemErrorMessage
}

// Parse reports output that could not be decoded into a stage record.
func Parse(err error, message string) *AppError {
	return &AppError{Err: err, Status: http.StatusUnprocessableEntity, Message: message, Kind: KindParse}
}

// Constraint reports a decoded record that violates its contract.
func Constraint(field, message string) *AppError {
	msg := message
	if field != "" {
		msg = fmt.Sprintf("%s: %s", field, message)
	}
	return &AppError{Status: http.StatusUnprocessableEntity, Message: msg, Kind: KindConstraint}
}

// InvalidRole reports a chat message role with no internal mapping.
func InvalidRole(role string) *AppError {
	return &AppError{
		Status:  http.StatusBadRequest,
		Message: fmt.Sprintf("unsupported message role %q", role),
		Kind:    KindInvalidRole,
	}
}

// InvalidRequest reports a malformed inbound request.
func InvalidRequest(message string) *AppError {
	return &AppError{Status: http.StatusBadRequest, Message: message, Kind: KindInvalidRequest}
}

// CircuitOpen reports a call rejected by the circuit breaker.
func CircuitOpen(name string) *AppError {
	return &AppError{
		Status:  http.StatusServiceUnavailable,
		Message: fmt.Sprintf("circuit %q is open", name),
		Kind:    KindCircuitOpen,
	}
}

// Cancelled reports a run aborted because its caller went away.
func Cancelled(err error) *AppError {
	return &AppError{Err: err, Status: 499, Message: "request cancelled", Kind: KindCancelled}
}

// NotFound reports a missing resource.
func NotFound(message string) *AppError {
	return &AppError{Status: http.StatusNotFound, Message: message, Kind: KindNotFound}
}

// IsUpstream reports whether err is one of the generation endpoint failure kinds.
func IsUpstream(err error) bool {
	switch KindOf(err) {
	case KindUpstreamTimeout, KindUpstreamRateLimit, KindUpstreamServer, KindUpstreamConnection:
		return true
	}
	return false
}

package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable error classification carried on every AppError.
// Kind strings are part of the wire contract: they appear in tool-result
// payloads fed back to the model and in error events sent to clients.
type Kind string

const (
	KindInvalidRequest      Kind = "InvalidRequest"
	KindNotFound            Kind = "NotFound"
	KindRateLimited         Kind = "RateLimited"
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
	KindTimeout             Kind = "Timeout"
	KindToolArgInvalid      Kind = "ToolArgInvalid"
	KindModelError          Kind = "ModelError"
	KindInternal            Kind = "Internal"

	// Model routing
	KindInvalidModel Kind = "InvalidModel"

	// Prediction core
	KindInsufficientHistory Kind = "InsufficientHistory"
	KindModelUnavailable    Kind = "ModelUnavailable"
	KindUpstreamDataError   Kind = "UpstreamDataError"
)

// AppError carries a kind, a user-safe message, and an optional wrapped
// cause. The cause is for logs only and is never serialized to clients.
type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with the given kind and message.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// Wrap creates an AppError with a cause attached.
func Wrap(kind Kind, message string, cause error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: cause}
}

func NewInvalidRequest(message string) *AppError { return New(KindInvalidRequest, message) }
func NewNotFound(message string) *AppError       { return New(KindNotFound, message) }
func NewRateLimited(message string) *AppError    { return New(KindRateLimited, message) }
func NewUpstreamUnavailable(message string) *AppError {
	return New(KindUpstreamUnavailable, message)
}
func NewTimeout(message string) *AppError        { return New(KindTimeout, message) }
func NewToolArgInvalid(message string) *AppError { return New(KindToolArgInvalid, message) }
func NewModelError(message string, cause error) *AppError {
	return Wrap(KindModelError, message, cause)
}
func NewInternal(message string, cause error) *AppError {
	return Wrap(KindInternal, message, cause)
}
func NewInvalidModel(alias string) *AppError {
	return New(KindInvalidModel, fmt.Sprintf("unknown model alias %q", alias))
}

// KindOf extracts the kind from any error. Context errors map to Timeout;
// everything unclassified is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func IsNotFound(err error) bool       { return IsKind(err, KindNotFound) }
func IsInvalidRequest(err error) bool { return IsKind(err, KindInvalidRequest) }
func IsRateLimited(err error) bool    { return IsKind(err, KindRateLimited) }
func IsTimeout(err error) bool        { return IsKind(err, KindTimeout) }
func IsUpstreamUnavailable(err error) bool {
	return IsKind(err, KindUpstreamUnavailable)
}

// SafeMessage returns the user-facing message for err. Unclassified errors
// get a generic message so internals never leak to clients.
func SafeMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "operation timed out"
	}
	return "internal error"
}

// HTTPStatus maps an error kind to the status code handlers return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidRequest, KindInvalidModel:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable, KindModelUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindToolArgInvalid, KindInsufficientHistory:
		return http.StatusUnprocessableEntity
	case KindModelError, KindUpstreamDataError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

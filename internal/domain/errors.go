package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrUnsupportedMedia = errors.New("unsupported media type")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrRender           = errors.New("render failed")
	ErrInternal         = errors.New("internal error")
)

// Error carries a caller-safe message together with one of the sentinel kinds
// above. The wrapped Err is for logs only and is never written to a response.
type Error struct {
	Kind       error
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Validation builds a 400 error with a formatted message.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized builds a 401 error.
func Unauthorized(message string) *Error {
	return &Error{Kind: ErrUnauthorized, Message: message}
}

// Forbidden builds a 403 error.
func Forbidden(message string) *Error {
	return &Error{Kind: ErrForbidden, Message: message}
}

// NotFound builds a 404 error.
func NotFound(message string) *Error {
	return &Error{Kind: ErrNotFound, Message: message}
}

// QuotaExceeded builds a 429 error that asks the caller to come back after retryAfter.
func QuotaExceeded(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: ErrQuotaExceeded, Message: message, RetryAfter: retryAfter}
}

// RenderFailed wraps a non-recoverable render fault.
func RenderFailed(err error) *Error {
	return &Error{Kind: ErrRender, Message: "failed to render image", Err: err}
}

// Internal wraps an unexpected failure behind a generic message.
func Internal(message string, err error) *Error {
	return &Error{Kind: ErrInternal, Message: message, Err: err}
}

// StatusCode maps an error onto the HTTP status the API reports for it.
// The outermost *Error decides, so an internal error wrapping a validation
// failure still reports 500.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var de *Error
	if errors.As(err, &de) && de.Kind != nil {
		err = de.Kind
	}
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text that is safe to send to the caller.
func PublicMessage(err error) string {
	var de *Error
	if errors.As(err, &de) && de.Kind != ErrInternal && de.Message != "" {
		return de.Message
	}
	switch StatusCode(err) {
	case http.StatusInternalServerError:
		return "internal server error"
	default:
		return http.StatusText(StatusCode(err))
	}
}

// RetryAfter extracts the retry hint carried by a quota error, if any.
func RetryAfter(err error) time.Duration {
	var de *Error
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

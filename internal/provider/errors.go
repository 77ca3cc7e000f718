package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for backend error classification.
// Use errors.Is(err, provider.ErrNotFound) to check.
var (
	ErrNotFound     = errors.New("provider: not found")
	ErrUnauthorized = errors.New("provider: unauthorized")
	ErrConflict     = errors.New("provider: conflict")
	ErrThrottled    = errors.New("provider: throttled")
	ErrTransport    = errors.New("provider: transport failure")

	// ErrQuotaUnsupported signals that the backend has no quota concept.
	ErrQuotaUnsupported = errors.New("provider: quota not supported")
)

// Error wraps a sentinel with the HTTP status code and the backend's error
// message body for debugging.
type Error struct {
	Backend    string
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Backend, e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrTransport
		}

		if code >= http.StatusBadRequest {
			return ErrTransport
		}

		return nil
	}
}

// statusError builds an *Error for a non-2xx response.
func statusError(backend string, code int, body []byte) error {
	return &Error{
		Backend:    backend,
		StatusCode: code,
		Message:    string(body),
		Err:        classifyStatus(code),
	}
}

// transportError wraps a network-level failure (DNS, timeout, connection
// reset) so callers can match it with errors.Is(err, ErrTransport).
func transportError(backend string, err error) error {
	return fmt.Errorf("%s: %w: %w", backend, ErrTransport, err)
}

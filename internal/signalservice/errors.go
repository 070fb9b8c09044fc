package signalservice

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gwillem/signal-receiver/internal/signalcrypto"
)

// Error kinds. Match them with errors.Is.
var (
	ErrTransport          = errors.New("transport error")
	ErrNotFound           = errors.New("not found")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrResponseTooLarge   = errors.New("response exceeds size limit")
	ErrVerificationFailed = errors.New("credential verification failed")
	ErrPipeClosed         = errors.New("message pipe closed")

	ErrInvalidMessage       = signalcrypto.ErrInvalidMessage
	ErrDigestMismatch       = signalcrypto.ErrDigestMismatch
	ErrInvalidProfileCipher = signalcrypto.ErrInvalidProfileCipher
)

// StatusError is a non-2xx HTTP response from the service or CDN.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	if len(e.Body) > 0 && len(e.Body) <= 256 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
}

// Unwrap maps the status code to its error kind.
func (e *StatusError) Unwrap() error {
	return statusKind(e.Status)
}

func statusKind(status int) error {
	switch status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusRequestEntityTooLarge, http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		return nil
	}
}

// TransportError is a connectivity failure below the HTTP layer.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// checkStatus returns a *StatusError for non-2xx responses.
func checkStatus(method, path string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	return &StatusError{Method: method, Path: path, Status: status, Body: body}
}

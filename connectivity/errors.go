package connectivity

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrCircuitOpen is returned when the breaker for a service rejects a call
// without attempting it.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// ErrPanic wraps a recovered panic value.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("connectivity: handler panicked: %v", e.Value)
}

// StatusError is returned by HTTPHandler for a non-2xx response.
type StatusError struct {
	Service string
	Code    int
	Body    []byte
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("connectivity: %s: status %d: %s", e.Service, e.Code, body)
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// ErrBodyTooLarge is returned when a response exceeds the handler's cap.
var ErrBodyTooLarge = errors.New("connectivity: response body too large")

// Retryable is the default retry predicate: context errors, open circuits
// and permanent HTTP statuses are not retried.
func Retryable(err error) bool {
	var open *ErrCircuitOpen
	if errors.As(err, &open) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var pe *ErrPanic
	if errors.As(err, &pe) {
		return false
	}
	return !errors.Is(err, ErrBodyTooLarge)
}

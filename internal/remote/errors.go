package remote

import (
	"errors"
	"fmt"
)

// Errors returned by the client. Callers match them with errors.Is; API
// failures carry details in an *APIError.
var (
	ErrAuth           = errors.New("remote authentication failed")
	ErrInvalidRequest = errors.New("remote rejected malformed request")
	ErrTimeout        = errors.New("remote request timed out")
	ErrUnavailable    = errors.New("remote unreachable")
)

// APIError is a non-transient failure reported by the control plane, either
// as an HTTP status or as an error payload in a successful response.
type APIError struct {
	Operation string
	Status    int
	Message   string
	Code      string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: remote api error (status %d, %s): %s", e.Operation, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: remote api error (status %d): %s", e.Operation, e.Status, e.Message)
}

// Error wraps a sentinel with the operation and upstream detail.
type Error struct {
	Kind      error
	Operation string
	Status    int
	Message   string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Operation, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether retrying or polling further cannot succeed.
func (e *Error) Fatal() bool {
	return e.Kind == ErrAuth || e.Kind == ErrInvalidRequest
}

// IsFatal reports whether err carries an authentication or malformed-request
// failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrInvalidRequest)
}

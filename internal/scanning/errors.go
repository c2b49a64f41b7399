package scanning

import (
	"errors"
	"fmt"
)

// ErrAuthMissing is returned when no token or user is available at call time
var ErrAuthMissing = errors.New("authentication required")

// ValidationError reports locally detectable bad input. No network call is made.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := "invalid input: " + e.Reason
	if e.Field != "" {
		msg = fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NetworkError wraps a transport failure (no connectivity, timeout)
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// MaxErrorBody caps how much of an error response is kept for diagnostics
const MaxErrorBody = 2048

// TruncateBody returns body as a string of at most MaxErrorBody bytes plus an ellipsis
func TruncateBody(body []byte) string {
	if len(body) > MaxErrorBody {
		return string(body[:MaxErrorBody]) + "..."
	}
	return string(body)
}

// ServerError reports a non-2xx status or a malformed response after a successful round trip
type ServerError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *ServerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: server error (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: server error (status %d): %s", e.Op, e.StatusCode, e.Body)
}

func (e *ServerError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a *ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNetwork reports whether err is a *NetworkError
func IsNetwork(err error) bool {
	var n *NetworkError
	return errors.As(err, &n)
}

// IsServer reports whether err is a *ServerError
func IsServer(err error) bool {
	var s *ServerError
	return errors.As(err, &s)
}

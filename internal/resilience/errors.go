// Package resilience classifies failures and provides retry, backoff and
// circuit breaking for calls that leave the process.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// Class is the handling category of an error.
type Class int

const (
	// ClassUnknown errors are treated like transient ones by the fallback chain
	// but are never retried by the queue beyond its bound.
	ClassUnknown Class = iota
	// ClassInput errors are rejected immediately and never retried.
	ClassInput
	// ClassTransient errors drive fallback to the next data source.
	ClassTransient
	// ClassExhausted errors mean every automated path is spent; escalate to manual.
	ClassExhausted
	// ClassSystemic errors mean shared infrastructure (the queue backend) is down.
	ClassSystemic
	// ClassNotFound errors mean a reachable source has no data for the key.
	ClassNotFound
)

func (c Class) String() string {
	switch c {
	case ClassInput:
		return "input"
	case ClassTransient:
		return "transient"
	case ClassExhausted:
		return "exhausted"
	case ClassSystemic:
		return "systemic"
	case ClassNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// InputError marks a malformed vector, unknown candidate or bad payload.
type InputError struct {
	Field string
	Err   error
}

func (e *InputError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Err.Error()
	}
	return "invalid input (" + e.Field + "): " + e.Err.Error()
}

func (e *InputError) Unwrap() error { return e.Err }

// NewInputError wraps err as an input error for the named field.
func NewInputError(field string, err error) *InputError {
	return &InputError{Field: field, Err: err}
}

// Inputf builds an input error from a format string.
func Inputf(field, format string, args ...any) *InputError {
	return &InputError{Field: field, Err: eris.Errorf(format, args...)}
}

// NotFoundError reports a per-key miss from a source that is otherwise
// healthy. The fallback chain moves on but breakers do not count it.
type NotFoundError struct {
	Err error
}

func (e *NotFoundError) Error() string { return e.Err.Error() }

func (e *NotFoundError) Unwrap() error { return e.Err }

// NotFoundf builds a NotFoundError from a format string.
func NotFoundf(format string, args ...any) *NotFoundError {
	return &NotFoundError{Err: eris.Errorf(format, args...)}
}

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// TransientError wraps an error that is safe to retry or fall back from
// (429, 5xx, timeouts, an agent going offline).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// ExhaustedError reports that all automated fulfillment modes failed.
// LastMode names the mode attempted last.
type ExhaustedError struct {
	LastMode string
	Err      error
}

func (e *ExhaustedError) Error() string {
	return "exhausted after " + e.LastMode + ": " + e.Err.Error()
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// NewExhaustedError wraps err as an exhaustion error.
func NewExhaustedError(lastMode string, err error) *ExhaustedError {
	return &ExhaustedError{LastMode: lastMode, Err: err}
}

// SystemicError reports an unreachable shared dependency such as the queue backend.
type SystemicError struct {
	Component string
	Err       error
}

func (e *SystemicError) Error() string {
	return e.Component + " unavailable: " + e.Err.Error()
}

func (e *SystemicError) Unwrap() error { return e.Err }

// NewSystemicError wraps err as a systemic failure of component.
func NewSystemicError(component string, err error) *SystemicError {
	return &SystemicError{Component: component, Err: err}
}

// Classify returns the handling class of err. Explicit typed errors win over
// the network heuristics in IsTransient.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var (
		ie *InputError
		se *SystemicError
		xe *ExhaustedError
		nf *NotFoundError
	)
	switch {
	case errors.As(err, &ie):
		return ClassInput
	case errors.As(err, &nf):
		return ClassNotFound
	case errors.As(err, &se):
		return ClassSystemic
	case errors.As(err, &xe):
		return ClassExhausted
	case IsTransient(err):
		return ClassTransient
	}
	return ClassUnknown
}

// IsInput reports whether err is an input error.
func IsInput(err error) bool { return Classify(err) == ClassInput }

// IsSystemic reports whether err is a systemic error.
func IsSystemic(err error) bool { return Classify(err) == ClassSystemic }

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"context deadline exceeded",
}

// IsTransient returns true if err carries a TransientError, or looks like a
// network-level timeout, reset or DNS failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus returns true for status codes worth retrying.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

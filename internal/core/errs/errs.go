// Package errs defines the error taxonomy shared by the tile pipeline and the
// batch engine. Store and transport failures are translated into these types
// at the retry boundary; callers above it only match on them.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNotFound marks an absent tileset, feature or tile coordinate.
var ErrNotFound = errors.New("not found")

// ErrInvalid marks caller input that failed validation.
var ErrInvalid = errors.New("invalid request")

type Class int

const (
	ClassUnknown Class = iota
	ClassInvalid
	ClassNotFound
	ClassEncoding
	ClassTransient
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassInvalid:
		return "invalid"
	case ClassNotFound:
		return "not_found"
	case ClassEncoding:
		return "encoding"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// EncodingError reports one feature whose stored geometry could not be
// encoded. The tile is still produced without that feature.
type EncodingError struct {
	FeatureID string
	Err       error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode feature %q: %v", e.FeatureID, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// TransientError is a store/read failure that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Op == "" {
		return "transient: " + e.Err.Error()
	}
	return fmt.Sprintf("transient %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is returned by the retry executor when the cause is not
// retryable or when attempts ran out.
type FatalError struct {
	Cause     error
	Attempts  int
	Backoff   time.Duration
	Exhausted bool
}

func (e *FatalError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Cause)
	}
	return fmt.Sprintf("failed after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// Constraint wraps a store constraint violation so the HTTP layer can answer
// 422 instead of 500.
type ConstraintError struct {
	Err error
}

func (e *ConstraintError) Error() string { return "constraint violation: " + e.Err.Error() }
func (e *ConstraintError) Unwrap() error { return e.Err }

// classifier is implemented by error types that know their own class
// (filter.ParseError does).
type classifier interface {
	ErrorClass() Class
}

func ClassOf(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var c classifier
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		if fe.Exhausted {
			var te *TransientError
			if errors.As(fe.Cause, &te) {
				return ClassTransient
			}
		}
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrInvalid):
		return ClassInvalid
	}
	var ee *EncodingError
	if errors.As(err, &ee) {
		return ClassEncoding
	}
	if fe != nil {
		return ClassFatal
	}
	var te *TransientError
	if errors.As(err, &te) {
		return ClassTransient
	}
	return ClassUnknown
}

// HTTPStatus maps an error to the status code surfaced by the API.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var ce *ConstraintError
	if errors.As(err, &ce) {
		return http.StatusUnprocessableEntity
	}
	switch ClassOf(err) {
	case ClassInvalid:
		return http.StatusBadRequest
	case ClassNotFound:
		return http.StatusNotFound
	case ClassTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassOf_AndStatus(t *testing.T) {
	transient := &TransientError{Op: "query_bbox", Err: errors.New("database is locked")}
	cases := []struct {
		name   string
		err    error
		class  Class
		status int
	}{
		{"nil", nil, ClassUnknown, http.StatusOK},
		{"not found wrapped", fmt.Errorf("tileset %q: %w", "x", ErrNotFound), ClassNotFound, http.StatusNotFound},
		{"invalid", fmt.Errorf("bad z: %w", ErrInvalid), ClassInvalid, http.StatusBadRequest},
		{"bare transient", transient, ClassTransient, http.StatusServiceUnavailable},
		{"exhausted transient", &FatalError{Cause: transient, Attempts: 3, Exhausted: true}, ClassTransient, http.StatusServiceUnavailable},
		{"fatal", &FatalError{Cause: errors.New("syntax"), Attempts: 1}, ClassFatal, http.StatusInternalServerError},
		{"fatal over not found", &FatalError{Cause: ErrNotFound, Attempts: 1}, ClassNotFound, http.StatusNotFound},
		{"encoding", &EncodingError{FeatureID: "f1", Err: errors.New("ring")}, ClassEncoding, http.StatusInternalServerError},
		{"constraint", &ConstraintError{Err: errors.New("UNIQUE")}, ClassUnknown, http.StatusUnprocessableEntity},
		{"plain", errors.New("boom"), ClassUnknown, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := ClassOf(tc.err); got != tc.class {
			t.Fatalf("%s: class=%v want %v", tc.name, got, tc.class)
		}
		if got := HTTPStatus(tc.err); got != tc.status {
			t.Fatalf("%s: status=%d want %d", tc.name, got, tc.status)
		}
	}
}

type selfClassified struct{}

func (selfClassified) Error() string { return "mine" }
func (selfClassified) ErrorClass() Class { return ClassInvalid }

func TestClassOf_PrefersSelfClassification(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", selfClassified{})
	if ClassOf(err) != ClassInvalid {
		t.Fatalf("class=%v", ClassOf(err))
	}
}

func TestFatalError_Message(t *testing.T) {
	e := &FatalError{Cause: errors.New("locked"), Attempts: 3, Exhausted: true}
	if e.Error() != "gave up after 3 attempts: locked" {
		t.Fatalf("msg=%q", e.Error())
	}
}

package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
)

var permanentPatterns = []string{
	"constraint",
	"syntax error",
	"datatype mismatch",
	"data type",
	"invalid input syntax",
	"permission denied",
	"authentication",
	"no such table",
	"no such column",
}

var transientPatterns = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"timed out",
	"starting up",
	"deadlock",
	"serialization failure",
	"could not serialize",
	"database is locked",
	"database table is locked",
	"sqlite_busy",
	"database is busy",
	// Redis replies LOADING/BUSY with these phrases; the bare words show up
	// in plenty of permanent errors too
	"redis is loading",
	"redis is busy",
	"tryagain",
	"unexpected eof",
	"temporarily unavailable",
}

// DefaultClassifier reports whether err is worth another attempt. Typed
// errors are checked first; otherwise the message is matched against known
// driver wording, with permanent patterns taking precedence.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	switch errs.ClassOf(err) {
	case errs.ClassNotFound, errs.ClassInvalid, errs.ClassEncoding:
		return false
	case errs.ClassTransient:
		return true
	}
	var ce *errs.ConstraintError
	if errors.As(err, &ce) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

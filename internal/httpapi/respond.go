package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/filter"
	"github.com/mohammed-shakir/geotile-cache/internal/tiles"
)

// static artifacts have no TTL; browsers still revalidate daily
const staticMaxAge = 86400

type errorBody struct {
	Error    string `json:"error"`
	Class    string `json:"class"`
	Position *int   `json:"position,omitempty"`
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	body := errorBody{Error: err.Error(), Class: errs.ClassOf(err).String()}
	var pe *filter.ParseError
	if errors.As(err, &pe) {
		body.Position = &pe.Pos
	}
	if status >= http.StatusInternalServerError {
		a.log.WarnContext(r.Context(), "request failed", "path", r.URL.Path, "status", status, "err", err)
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeResult sends a cached artifact with its cache headers, answering 304
// when the client already holds this version.
func writeResult(w http.ResponseWriter, r *http.Request, res tiles.Result) {
	h := w.Header()
	// keys.ETag is already a quoted entity-tag
	etag := res.ETag
	h.Set("ETag", etag)
	h.Set("X-Cache", res.Status)
	if secs := int(res.MaxAge.Seconds()); secs > 0 {
		h.Set("Cache-Control", "public, max-age="+strconv.Itoa(secs))
	} else if res.Entry.ExpiresAt.IsZero() {
		h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", staticMaxAge))
	} else {
		h.Set("Cache-Control", "no-cache")
	}
	if etagMatch(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	h.Set("Content-Type", res.Entry.ContentType)
	if enc := res.ContentEncoding(); enc != "" {
		h.Set("Content-Encoding", enc)
	}
	h.Set("Content-Length", strconv.Itoa(len(res.Entry.Payload)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Entry.Payload)
}

func etagMatch(header, etag string) bool {
	if header == "" {
		return false
	}
	for c := range strings.SplitSeq(header, ",") {
		c = strings.TrimSpace(c)
		c = strings.TrimPrefix(c, "W/")
		if c == "*" || c == etag {
			return true
		}
	}
	return false
}

// wantsFresh reports a client asking to skip cached copies.
func wantsFresh(r *http.Request) bool {
	cc := strings.ToLower(r.Header.Get("Cache-Control"))
	return strings.Contains(cc, "no-cache") || strings.Contains(cc, "no-store")
}

func invalidParam(name, value string, cause error) error {
	if cause != nil {
		return fmt.Errorf("parameter %s=%q: %v: %w", name, value, cause, errs.ErrInvalid)
	}
	return fmt.Errorf("parameter %s=%q: %w", name, value, errs.ErrInvalid)
}

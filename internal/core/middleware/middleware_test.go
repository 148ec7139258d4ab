package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	mylog "github.com/mohammed-shakir/geotile-cache/internal/logger"
)

func TestLogging_SetsRequestID(t *testing.T) {
	l := slog.New(slog.NewTextHandler(io.Discard, nil))
	var seen string
	h := Logging(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = mylog.RequestID(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	if seen == "" || rr.Header().Get(HeaderRequestID) != seen {
		t.Fatalf("request id ctx=%q header=%q", seen, rr.Header().Get(HeaderRequestID))
	}

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderRequestID, "abc")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if seen != "abc" {
		t.Fatalf("incoming id not kept: %q", seen)
	}
}

func TestRecover_Returns500(t *testing.T) {
	l := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Recover(l)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestTimeout_SetsDeadline(t *testing.T) {
	h := Timeout(50 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); !ok {
			t.Errorf("no deadline on request context")
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestCORS_Preflight(t *testing.T) {
	h := CORS()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { t.Errorf("preflight reached handler") }))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/tiles", nil))
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight: %d %v", rr.Code, rr.Header())
	}
}

func TestMetrics_PassesThrough(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Metrics())
	r.Get("/tiles/{z}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tiles/3", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status=%d", rr.Code)
	}
}

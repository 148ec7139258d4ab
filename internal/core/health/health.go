// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"net/http"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// Pinger is a dependency that can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// ReadinessReporter is the invalidation consumer's view of its partition
// assignment.
type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

type Checker struct {
	pingers  map[string]Pinger
	optional map[string]bool
	consumer ReadinessReporter
	timeout  time.Duration
}

func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{pingers: map[string]Pinger{}, optional: map[string]bool{}, timeout: timeout}
}

// Require adds a dependency whose failure makes the instance not ready.
func (c *Checker) Require(name string, p Pinger) *Checker {
	c.pingers[name] = p
	return c
}

// Degrade adds a dependency that is reported but does not fail readiness;
// the Redis tier is one when the local fallback is enabled.
func (c *Checker) Degrade(name string, p Pinger) *Checker {
	c.pingers[name] = p
	c.optional[name] = true
	return c
}

func (c *Checker) Consumer(rr ReadinessReporter) *Checker {
	c.consumer = rr
	return c
}

type Report struct {
	Status     string            `json:"status"`
	Checks     map[string]string `json:"checks"`
	Partitions []int32           `json:"partitions,omitempty"`
}

func (c *Checker) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rep := Report{Status: "ready", Checks: map[string]string{}}
	names := make([]string, 0, len(c.pingers))
	for n := range c.pingers {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := c.pingers[n].Ping(ctx); err != nil {
			if c.optional[n] {
				rep.Checks[n] = "degraded: " + err.Error()
				continue
			}
			rep.Checks[n] = "down: " + err.Error()
			rep.Status = "not_ready"
			continue
		}
		rep.Checks[n] = "ok"
	}
	if c.consumer != nil {
		ready, parts := c.consumer.Readiness()
		if !ready {
			rep.Checks["invalidation"] = "unassigned"
			rep.Status = "not_ready"
		} else {
			rep.Checks["invalidation"] = "ok"
			sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
			rep.Partitions = parts
		}
	}
	return rep
}

func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if rep.Status != "ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(rep)
	}
}

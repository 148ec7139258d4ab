package kafka

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeRaise       = "raise"
	outcomeSkipSelf    = "skip_self"
	outcomeSkipVersion = "skip_version"
	outcomeSkipStale   = "skip_stale"
)

// metricSet is owned by one runner so tests can register it privately.
type metricSet struct {
	events     *prometheus.CounterVec
	outcomes   *prometheus.CounterVec
	handle     *prometheus.HistogramVec
	eventAge   prometheus.Gauge
	partitions prometheus.Gauge
}

func newMetricSet(r prometheus.Registerer) *metricSet {
	m := &metricSet{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tileset_invalidation_events_total",
			Help: "Invalidation events consumed, by decode result.",
		}, []string{"result"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tileset_invalidation_outcomes_total",
			Help: "What a decoded invalidation event did to the local generation mirror.",
		}, []string{"outcome"}),
		handle: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tileset_invalidation_handle_seconds",
			Help:    "Time to decode and apply one invalidation event.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}, []string{"op"}),
		eventAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tileset_invalidation_event_age_seconds",
			Help: "Age of the last consumed event when it was handled.",
		}),
		partitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tileset_invalidation_assigned_partitions",
			Help: "Partitions currently assigned to this instance.",
		}),
	}
	if r != nil {
		r.MustRegister(m.events, m.outcomes, m.handle, m.eventAge, m.partitions)
	}
	return m
}

func (m *metricSet) decoded(op string, took time.Duration) {
	m.events.WithLabelValues("ok").Inc()
	m.handle.WithLabelValues(op).Observe(took.Seconds())
}

func (m *metricSet) malformed() { m.events.WithLabelValues("malformed").Inc() }

func (m *metricSet) outcome(o string) { m.outcomes.WithLabelValues(o).Inc() }

func (m *metricSet) observeAge(sent, now time.Time) {
	if !sent.IsZero() {
		m.eventAge.Set(now.Sub(sent).Seconds())
	}
}

func (m *metricSet) assigned(n int) { m.partitions.Set(float64(n)) }

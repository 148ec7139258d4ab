// Package metrics owns the Prometheus registry exposed by the tile server.
// Pipeline collectors live in core/observability and attach to it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type BuildInfo struct {
	Version   string
	Revision  string
	Branch    string
	BuildDate string
}

type Config struct {
	Build BuildInfo
}

type Provider struct {
	reg *prometheus.Registry
}

// Init builds a private registry carrying runtime collectors and a
// tileserver_build_info gauge.
func Init(cfg Config) *Provider {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	v := cfg.Build
	if v.Version == "" {
		v.Version = "dev"
	}
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tileserver_build_info",
		Help: "Build info for this binary (value is always 1).",
		ConstLabels: prometheus.Labels{
			"version":    v.Version,
			"revision":   v.Revision,
			"branch":     v.Branch,
			"build_date": v.BuildDate,
		},
	}, func() float64 { return 1 }))

	return &Provider{reg: reg}
}

// TrackLocalTier exposes the in-process tile tier's entry count, read at
// scrape time.
func (p *Provider) TrackLocalTier(size func() int) {
	p.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tile_cache_local_entries",
		Help: "Entries held by the in-process tile tier.",
	}, func() float64 { return float64(size()) }))
}

func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

func (p *Provider) Register(cs ...prometheus.Collector) {
	for _, c := range cs {
		p.reg.MustRegister(c)
	}
}

func (p *Provider) Registerer() prometheus.Registerer { return p.reg }

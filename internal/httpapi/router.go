// Package httpapi exposes tiles, tileset metadata and batch feature
// operations over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/geotile-cache/internal/batch"
	"github.com/mohammed-shakir/geotile-cache/internal/core/health"
	"github.com/mohammed-shakir/geotile-cache/internal/core/middleware"
	"github.com/mohammed-shakir/geotile-cache/internal/tiles"
)

type Deps struct {
	Tiles  *tiles.Service
	Batch  *batch.Engine
	Logger *slog.Logger
	// Ready serves /readyz; nil answers 200.
	Ready          http.Handler
	Metrics        http.Handler
	MetricsPath    string
	RequestTimeout time.Duration
	// PublicBaseURL overrides the scheme and host derived from requests when
	// building TileJSON urls.
	PublicBaseURL string
	MaxBodyBytes  int64
}

type api struct {
	tiles   *tiles.Service
	batch   *batch.Engine
	log     *slog.Logger
	baseURL string
	maxBody int64
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 8 << 20
	}
	a := &api{tiles: d.Tiles, batch: d.Batch, log: d.Logger, baseURL: d.PublicBaseURL, maxBody: d.MaxBodyBytes}

	r := chi.NewRouter()
	r.Use(middleware.Recover(d.Logger))
	r.Use(middleware.Logging(d.Logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	if d.Ready != nil {
		r.Method(http.MethodGet, "/readyz", d.Ready)
	} else {
		r.Get("/readyz", health.Liveness())
	}
	if d.Metrics != nil {
		path := d.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, d.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(d.RequestTimeout))

		r.Get("/tiles/vector/{layer}/{z}/{x}/{y}.pbf", a.vectorTile)
		r.Get("/tiles/vector/{layer}/{z}/{x}/{y}.mvt", a.vectorTile)
		r.Get("/tiles/raster/{tileset}/{z}/{x}/{y}.{fmt}", a.rasterTile)
		r.Get("/tiles/archive/{tileset}/{z}/{x}/{y}.{fmt}", a.archiveTile)

		r.Get("/tilesets", a.listTilesets)
		r.Get("/tilesets/{id}", a.summary)
		r.Get("/tilesets/{id}/tilejson.json", a.tileJSON)
		r.Get("/colormaps", a.static(tiles.CatalogColormaps))
		r.Get("/filters/operators", a.static(tiles.CatalogFilterOperators))

		r.Post("/features/bulk/update", a.bulkUpdate)
		r.Post("/features/bulk/delete", a.bulkDelete)
		r.Patch("/features/{id}", a.patchFeature)
		r.Delete("/features/{id}", a.deleteFeature)
	})

	// exports stream past the request timeout
	r.Post("/features/export", a.export)
	r.Get("/features/export/{tileset}/stream", a.exportStream)
	return r
}

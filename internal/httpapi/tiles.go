package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/filter"
	mylog "github.com/mohammed-shakir/geotile-cache/internal/logger"
	"github.com/mohammed-shakir/geotile-cache/internal/tiles"
)

func (a *api) vectorTile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req, err := coordRequest(r, chi.URLParam(r, "layer"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if id := q.Get("tileset_id"); id != "" {
		req.TilesetID = id
	}
	req.Format = "pbf"
	req.Layer = q.Get("layer")
	if req.Filter, err = filter.Parse(q.Get("filter")); err != nil {
		a.writeError(w, r, err)
		return
	}
	req.Simplify = true
	if s := q.Get("simplify"); s != "" {
		if req.Simplify, err = strconv.ParseBool(s); err != nil {
			a.writeError(w, r, invalidParam("simplify", s, nil))
			return
		}
	}
	a.serveTile(w, r, req)
}

func (a *api) rasterTile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req, err := coordRequest(r, chi.URLParam(r, "tileset"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	req.Format = chi.URLParam(r, "fmt")
	req.Colormap = q.Get("colormap")
	if req.ScaleMin, err = optFloat(q, "scale_min"); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.ScaleMax, err = optFloat(q, "scale_max"); err != nil {
		a.writeError(w, r, err)
		return
	}
	if b := q.Get("bands"); b != "" {
		for part := range strings.SplitSeq(b, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || n < 1 {
				a.writeError(w, r, invalidParam("bands", b, nil))
				return
			}
			req.Bands = append(req.Bands, n)
		}
	}
	a.serveTile(w, r, req)
}

func (a *api) archiveTile(w http.ResponseWriter, r *http.Request) {
	req, err := coordRequest(r, chi.URLParam(r, "tileset"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	req.Format = chi.URLParam(r, "fmt")
	a.serveTile(w, r, req)
}

func (a *api) serveTile(w http.ResponseWriter, r *http.Request, req model.TileRequest) {
	ctx := mylog.WithTileset(r.Context(), req.TilesetID)
	var (
		res tiles.Result
		err error
	)
	if wantsFresh(r) {
		res, err = a.tiles.TileFresh(ctx, req)
	} else {
		res, err = a.tiles.Tile(ctx, req)
	}
	if err != nil {
		a.writeError(w, r.WithContext(ctx), err)
		return
	}
	a.log.DebugContext(mylog.WithCacheStatus(ctx, res.Status), "tile",
		"tile", req.Coord.String(), "tier", res.Tier, "bytes", len(res.Entry.Payload))
	writeResult(w, r, res)
}

func (a *api) tileJSON(w http.ResponseWriter, r *http.Request) {
	res, err := a.tiles.TileJSON(r.Context(), chi.URLParam(r, "id"), a.requestBase(r), r.URL.Query())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeResult(w, r, res)
}

func (a *api) summary(w http.ResponseWriter, r *http.Request) {
	res, err := a.tiles.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeResult(w, r, res)
}

func (a *api) listTilesets(w http.ResponseWriter, r *http.Request) {
	all, err := a.tiles.Summaries(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tilesets": all})
}

func (a *api) static(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := a.tiles.Static(r.Context(), name)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeResult(w, r, res)
	}
}

// requestBase is the scheme and host clients used to reach us.
func (a *api) requestBase(r *http.Request) string {
	if a.baseURL != "" {
		return strings.TrimSuffix(a.baseURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	host := r.Host
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		host = h
	}
	return scheme + "://" + host
}

func coordRequest(r *http.Request, tileset string) (model.TileRequest, error) {
	var c [3]int
	for i, name := range []string{"z", "x", "y"} {
		s := chi.URLParam(r, name)
		n, err := strconv.Atoi(s)
		if err != nil {
			return model.TileRequest{}, invalidParam(name, s, nil)
		}
		c[i] = n
	}
	return model.TileRequest{TilesetID: tileset, Coord: model.TileCoord{Z: c[0], X: c[1], Y: c[2]}}, nil
}

func optFloat(q url.Values, name string) (*float64, error) {
	s := q.Get(name)
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, invalidParam(name, s, nil)
	}
	return &f, nil
}

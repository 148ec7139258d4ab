package tiles

import (
	"context"
	"fmt"
	"net/url"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/tilecache"
	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/filter"
	"github.com/mohammed-shakir/geotile-cache/internal/raster"
	"github.com/mohammed-shakir/geotile-cache/internal/retry"
	"github.com/mohammed-shakir/geotile-cache/internal/tiles/encoder"
)

// TileJSON is a TileJSON 3.0.0 document.
type TileJSON struct {
	TileJSON     string                `json:"tilejson"`
	Name         string                `json:"name,omitempty"`
	Attribution  string                `json:"attribution,omitempty"`
	Scheme       string                `json:"scheme"`
	Tiles        []string              `json:"tiles"`
	MinZoom      int                   `json:"minzoom"`
	MaxZoom      int                   `json:"maxzoom"`
	Bounds       []float64             `json:"bounds"`
	Center       []float64             `json:"center"`
	Format       string                `json:"format,omitempty"`
	VectorLayers []encoder.VectorLayer `json:"vector_layers,omitempty"`
}

// TileJSON returns the document for tileset id. params are echoed into the
// tile URL; a filter parameter is validated and normalized first so equal
// filters share one cache entry.
func (s *Service) TileJSON(ctx context.Context, id, baseURL string, params url.Values) (Result, error) {
	ts, err := s.Tileset(ctx, id)
	if err != nil {
		return Result{}, err
	}
	kind, err := s.encoders.ForTileset(ts)
	if err != nil {
		return Result{}, err
	}
	q := url.Values{}
	for k, vs := range params {
		if k == "layer" || len(vs) == 0 {
			continue
		}
		q.Set(k, vs[0])
	}
	if f := q.Get("filter"); f != "" {
		expr, err := filter.Parse(f)
		if err != nil {
			return Result{}, err
		}
		q.Set("filter", expr.Normal())
	}
	gen := s.cache.Generation(ctx, ts.ID)
	key := keys.TileJSON(ts.ID, gen, baseURL+"?"+q.Encode())
	return s.cachedJSON(ctx, key, tilecache.ClassTileJSON, func(context.Context) (any, error) {
		return buildTileJSON(ts, kind.DescribeForTileJSON(ts, baseURL, q)), nil
	})
}

func buildTileJSON(ts model.Tileset, d encoder.Description) TileJSON {
	b := ts.Bounds
	if b.IsZero() {
		b = model.WorldBounds
	}
	centerZoom := ts.MinZoom
	if ts.MaxZoom > ts.MinZoom {
		centerZoom = ts.MinZoom + (ts.MaxZoom-ts.MinZoom)/2
	}
	name := ts.Name
	if name == "" {
		name = ts.ID
	}
	return TileJSON{
		TileJSON:     "3.0.0",
		Name:         name,
		Attribution:  ts.Attribution,
		Scheme:       "xyz",
		Tiles:        d.Tiles,
		MinZoom:      ts.MinZoom,
		MaxZoom:      ts.MaxZoom,
		Bounds:       b.Slice(),
		Center:       []float64{(b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2, float64(centerZoom)},
		Format:       d.Format,
		VectorLayers: d.VectorLayers,
	}
}

// Summary describes one tileset.
type Summary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Kind         string    `json:"kind"`
	Layer        string    `json:"layer,omitempty"`
	MinZoom      int       `json:"minzoom"`
	MaxZoom      int       `json:"maxzoom"`
	Bounds       []float64 `json:"bounds"`
	Format       string    `json:"format"`
	FeatureCount *int      `json:"feature_count,omitempty"`
	Generation   int64     `json:"generation"`
}

func (s *Service) Summary(ctx context.Context, id string) (Result, error) {
	ts, err := s.Tileset(ctx, id)
	if err != nil {
		return Result{}, err
	}
	gen := s.cache.Generation(ctx, ts.ID)
	return s.cachedJSON(ctx, keys.Summary(ts.ID, gen), tilecache.ClassSummary, func(ctx context.Context) (any, error) {
		sum, counts := s.summarize(ts, gen)
		if counts {
			n, err := retry.Do(ctx, s.policy.Named("catalog_count"), func(ctx context.Context) (int, error) {
				return s.catalog.CountFeatures(ctx, ts.ID)
			})
			if err != nil {
				return nil, err
			}
			sum.FeatureCount = &n
		}
		return sum, nil
	})
}

func (s *Service) summarize(ts model.Tileset, gen int64) (Summary, bool) {
	format, counts := s.encoders.Traits(ts)
	b := ts.Bounds
	if b.IsZero() {
		b = model.WorldBounds
	}
	if ts.Generation > gen {
		gen = ts.Generation
	}
	return Summary{
		ID:         ts.ID,
		Name:       ts.Name,
		Kind:       string(ts.Kind),
		Layer:      ts.Layer,
		MinZoom:    ts.MinZoom,
		MaxZoom:    ts.MaxZoom,
		Bounds:     b.Slice(),
		Format:     format,
		Generation: gen,
	}, counts
}

// Summaries lists every tileset without feature counts. Not cached.
func (s *Service) Summaries(ctx context.Context) ([]Summary, error) {
	all, err := s.Tilesets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(all))
	for _, ts := range all {
		sum, _ := s.summarize(ts, s.cache.Generation(ctx, ts.ID))
		out = append(out, sum)
	}
	return out, nil
}

// Static catalog names.
const (
	CatalogColormaps       = "colormaps"
	CatalogFilterOperators = "filter-operators"
)

type colormapDoc struct {
	Name  string  `json:"name"`
	Stops [][]any `json:"stops"`
}

type operatorDoc struct {
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
	Numeric bool   `json:"numeric"`
	List    bool   `json:"list"`
}

// Static serves a catalog that never changes at runtime.
func (s *Service) Static(ctx context.Context, name string) (Result, error) {
	build, ok := staticCatalogs[name]
	if !ok {
		return Result{}, fmt.Errorf("catalog %q: %w", name, errs.ErrNotFound)
	}
	return s.cachedJSON(ctx, keys.Static(name), tilecache.ClassStatic, func(context.Context) (any, error) {
		return build(), nil
	})
}

var staticCatalogs = map[string]func() any{
	CatalogColormaps: func() any {
		out := []colormapDoc{}
		for _, n := range raster.ColormapNames() {
			cm, _ := raster.LookupColormap(n)
			doc := colormapDoc{Name: n}
			for _, st := range cm.Stops {
				// ints, since encoding/json writes a byte slice as base64
				rgba := [4]int{int(st.Color.R), int(st.Color.G), int(st.Color.B), int(st.Color.A)}
				doc.Stops = append(doc.Stops, []any{st.At, rgba})
			}
			out = append(out, doc)
		}
		return out
	},
	CatalogFilterOperators: func() any {
		out := []operatorDoc{}
		for _, op := range filter.Operators() {
			out = append(out, operatorDoc{
				Name:    string(op),
				Symbol:  op.Symbol(),
				Numeric: op.Numeric(),
				List:    op == filter.OpEq || op == filter.OpNeq,
			})
		}
		return out
	},
}

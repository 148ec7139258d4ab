package encoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/core/observability"
	"github.com/mohammed-shakir/geotile-cache/internal/retry"
	"github.com/mohammed-shakir/geotile-cache/internal/simplify"
	"github.com/mohammed-shakir/geotile-cache/internal/store"
)

const contentTypeMVT = "application/x-protobuf"

type vectorKind struct {
	set   *Set
	store store.FeatureStore
}

func (*vectorKind) kind() model.Kind { return model.KindVector }

func (*vectorKind) DefaultFormat(model.Tileset) string { return "pbf" }

func (*vectorKind) CountsFeatures() bool { return true }

func (v *vectorKind) CacheKeySuffix(r Request) string {
	return keys.Suffix(
		"l="+keys.ID(r.LayerName()),
		keys.FilterPart(r.Filter.Normal()),
		r.Simplification(v.set.baseResolution).KeyPart(),
	)
}

func (v *vectorKind) Encode(ctx context.Context, r Request) (Tile, error) {
	switch normalizeFormat(r.Format) {
	case "pbf", "mvt", "":
	default:
		return Tile{}, fmt.Errorf("vector tiles are pbf, not %q: %w", r.Format, errs.ErrInvalid)
	}
	simp := r.Simplification(v.set.baseResolution)
	q := store.Query{
		TilesetID:  r.Tileset.ID,
		BBox:       boundsOf(r.Coord),
		Filter:     r.Filter,
		Simplified: simp.UsePrecomputed(),
	}
	feats, err := retry.Do(ctx, v.set.policy.Named("vector_query"), func(ctx context.Context) ([]model.Feature, error) {
		return v.store.QueryBBox(ctx, q)
	})
	if err != nil {
		return Tile{}, err
	}

	fc := geojson.NewFeatureCollection()
	skipped := 0
	for _, f := range feats {
		gf, err := toGeoJSON(f, simp)
		if err != nil {
			var ee *errs.EncodingError
			if errors.As(err, &ee) {
				skipped++
				observability.IncEncodingError(string(model.KindVector))
				v.set.log.Warn("skipping feature with malformed geometry",
					"tileset", r.Tileset.ID, "tile", r.Coord.String(), "feature", ee.FeatureID, "err", ee.Err)
				continue
			}
			return Tile{}, err
		}
		fc.Append(gf)
	}

	layers := mvt.NewLayers(map[string]*geojson.FeatureCollection{r.LayerName(): fc})
	layers.ProjectToTile(tileOf(r.Coord))
	layers.Clip(mvt.MapboxGLDefaultExtentBound)
	data, err := mvt.Marshal(layers)
	if err != nil {
		return Tile{}, fmt.Errorf("marshal mvt %s: %w", r.Coord, err)
	}
	n := 0
	for _, l := range layers {
		n += len(l.Features)
	}
	return Tile{Data: data, ContentType: contentTypeMVT, Features: n, Skipped: skipped}, nil
}

// toGeoJSON decodes stored geometry. Decode failures come back as
// *errs.EncodingError so the caller can skip just this feature.
func toGeoJSON(f model.Feature, simp simplify.Simplification) (*geojson.Feature, error) {
	g, err := geojson.UnmarshalGeometry(f.Geometry)
	if err != nil {
		return nil, &errs.EncodingError{FeatureID: f.ID, Err: err}
	}
	geom := g.Geometry()
	if geom == nil {
		return nil, &errs.EncodingError{FeatureID: f.ID, Err: errors.New("empty geometry")}
	}
	gf := geojson.NewFeature(simplify.Apply(geom, simp))
	if id, err := strconv.ParseUint(f.ID, 10, 64); err == nil {
		gf.ID = id
	}
	gf.Properties = flattenProperties(f.Properties)
	if _, ok := gf.Properties["id"]; !ok {
		gf.Properties["id"] = f.ID
	}
	return gf, nil
}

// flattenProperties keeps scalar values and turns nested maps and lists into
// JSON text; MVT values cannot nest.
func flattenProperties(in map[string]any) geojson.Properties {
	out := make(geojson.Properties, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case nil:
		case string, bool, float64, float32, int, int64, uint64:
			out[k] = t
		case json.Number:
			if f, err := t.Float64(); err == nil {
				out[k] = f
			}
		default:
			b, err := json.Marshal(t)
			if err == nil {
				out[k] = string(b)
			}
		}
	}
	return out
}

func (v *vectorKind) DescribeForTileJSON(ts model.Tileset, baseURL string, params url.Values) Description {
	q := url.Values{}
	for k, vs := range params {
		q[k] = append([]string(nil), vs...)
	}
	// tiles[0] must name the layer or source-layer lookups render nothing
	q.Set("layer", ts.LayerName())
	return Description{
		Tiles:  []string{tileURL(baseURL, "/tiles/vector/"+url.PathEscape(ts.ID), "pbf", q)},
		Format: "pbf",
		VectorLayers: []VectorLayer{{
			ID:      ts.LayerName(),
			Fields:  map[string]string{},
			MinZoom: ts.MinZoom,
			MaxZoom: ts.MaxZoom,
		}},
	}
}

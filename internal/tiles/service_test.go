package tiles

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/paulmach/orb/encoding/mvt"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/tilecache"
	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/filter"
	"github.com/mohammed-shakir/geotile-cache/internal/raster"
	"github.com/mohammed-shakir/geotile-cache/internal/retry"
	"github.com/mohammed-shakir/geotile-cache/internal/store/sqlitestore"
	"github.com/mohammed-shakir/geotile-cache/internal/tiles/encoder"
)

type fixture struct {
	svc   *Service
	cache *tilecache.Cache
	db    *sqlitestore.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	cache, err := tilecache.New(rc, tilecache.WithLocalFallback(64))
	if err != nil {
		t.Fatalf("tilecache.New: %v", err)
	}

	db, err := sqlitestore.Open(ctx, filepath.Join(t.TempDir(), "tiles.db"))
	if err != nil {
		t.Fatalf("sqlitestore.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.PutTileset(ctx, model.Tileset{ID: "stations", Kind: model.KindVector, Layer: "stations", MinZoom: 0, MaxZoom: 16}); err != nil {
		t.Fatalf("PutTileset: %v", err)
	}
	if err := db.PutTileset(ctx, model.Tileset{ID: "empty", Kind: model.KindVector, MinZoom: 0, MaxZoom: 14}); err != nil {
		t.Fatalf("PutTileset: %v", err)
	}

	p := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, ExponentialBase: 2}
	enc := encoder.New(db, nil, nil, encoder.WithPolicy(p))
	svc := New(db, enc, cache, WithPolicy(p), WithMetadataTTL(time.Minute))
	return fixture{svc: svc, cache: cache, db: db}
}

func (f fixture) addStation(t *testing.T, id string, lon, lat float64) {
	t.Helper()
	geom, _ := json.Marshal(map[string]any{"type": "Point", "coordinates": []float64{lon, lat}})
	err := f.db.Put(context.Background(), model.Feature{ID: id, TilesetID: "stations", Geometry: geom,
		Properties: map[string]any{"type": "station", "name": id}})
	if err != nil {
		t.Fatalf("Put %s: %v", id, err)
	}
}

func tileReq(ts string, z, x, y int) model.TileRequest {
	return model.TileRequest{TilesetID: ts, Coord: model.TileCoord{Z: z, X: x, Y: y}, Format: "pbf", Simplify: true}
}

func featureCount(t *testing.T, data []byte) int {
	t.Helper()
	ls, err := mvt.Unmarshal(data)
	if err != nil {
		t.Fatalf("mvt.Unmarshal: %v", err)
	}
	n := 0
	for _, l := range ls {
		n += len(l.Features)
	}
	return n
}

func TestTile_EmptyTilesetMissThenHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Tile(ctx, tileReq("empty", 5, 10, 12))
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if first.Status != StatusMiss || featureCount(t, first.Entry.Payload) != 0 {
		t.Fatalf("first: status=%s", first.Status)
	}
	second, err := f.svc.Tile(ctx, tileReq("empty", 5, 10, 12))
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if second.Status != StatusHit || !bytes.Equal(first.Entry.Payload, second.Entry.Payload) {
		t.Fatalf("second: status=%s equal=%v", second.Status, bytes.Equal(first.Entry.Payload, second.Entry.Payload))
	}
	if second.ETag != first.ETag || second.MaxAge <= 0 || second.MaxAge > time.Hour {
		t.Fatalf("etag %s vs %s, maxage=%v", first.ETag, second.ETag, second.MaxAge)
	}
}

func TestTile_MutateThenReadSeesNewData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addStation(t, "tokyo", 139.7671, 35.6812)

	req := tileReq("stations", 0, 0, 0)
	before, err := f.svc.Tile(ctx, req)
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if n := featureCount(t, before.Entry.Payload); n != 1 {
		t.Fatalf("features=%d want 1", n)
	}

	f.addStation(t, "osaka", 135.4959, 34.7025)
	stale, _ := f.svc.Tile(ctx, req)
	if stale.Status != StatusHit {
		t.Fatalf("without a bump the cached tile is still served")
	}

	f.cache.BumpGeneration(ctx, "stations")
	after, err := f.svc.Tile(ctx, req)
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if after.Status != StatusMiss || featureCount(t, after.Entry.Payload) != 2 {
		t.Fatalf("after bump: status=%s features=%d", after.Status, featureCount(t, after.Entry.Payload))
	}
}

func TestTile_FilterIsPartOfTheKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addStation(t, "tokyo", 139.7671, 35.6812)

	req := tileReq("stations", 0, 0, 0)
	req.Filter = filter.MustParse("properties.name=tokyo,kyoto")
	a, err := f.svc.Tile(ctx, req)
	if err != nil || a.Status != StatusMiss {
		t.Fatalf("a: %v %s", err, a.Status)
	}
	req.Filter = filter.MustParse("properties.name = kyoto , tokyo")
	b, _ := f.svc.Tile(ctx, req)
	if b.Status != StatusHit {
		t.Fatalf("equivalent filter should hit, got %s", b.Status)
	}
	req.Filter = filter.MustParse("properties.name=osaka")
	c, _ := f.svc.Tile(ctx, req)
	if c.Status != StatusMiss || featureCount(t, c.Entry.Payload) != 0 {
		t.Fatalf("different filter: status=%s", c.Status)
	}
}

func TestTile_BypassRefreshesEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := tileReq("empty", 1, 0, 0)
	if _, err := f.svc.Tile(ctx, req); err != nil {
		t.Fatalf("Tile: %v", err)
	}
	r, err := f.svc.TileFresh(ctx, req)
	if err != nil || r.Status != StatusBypass {
		t.Fatalf("TileFresh: %v %s", err, r.Status)
	}
}

func TestTile_NotFoundCases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, req := range []model.TileRequest{
		tileReq("nope", 1, 0, 0),
		tileReq("empty", 15, 0, 0),
		tileReq("empty", 2, 4, 0),
	} {
		if _, err := f.svc.Tile(ctx, req); !errors.Is(err, errs.ErrNotFound) {
			t.Fatalf("%s %s: err=%v", req.TilesetID, req.Coord, err)
		}
	}
}

func TestTileJSON_LayerParameterAndNormalizedFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.svc.TileJSON(ctx, "stations", "http://localhost:8080", url.Values{"filter": {"type=b,a"}})
	if err != nil {
		t.Fatalf("TileJSON: %v", err)
	}
	var doc TileJSON
	if err := json.Unmarshal(r.Entry.Payload, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.TileJSON != "3.0.0" || len(doc.Tiles) != 1 || len(doc.VectorLayers) != 1 {
		t.Fatalf("doc=%+v", doc)
	}
	u, err := url.Parse(doc.Tiles[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Query().Get("layer") != doc.VectorLayers[0].ID {
		t.Fatalf("layer=%q id=%q", u.Query().Get("layer"), doc.VectorLayers[0].ID)
	}
	if u.Query().Get("filter") != "type=a,b" {
		t.Fatalf("filter=%q", u.Query().Get("filter"))
	}

	again, _ := f.svc.TileJSON(ctx, "stations", "http://localhost:8080", url.Values{"filter": {"type=a,b"}})
	if again.Status != StatusHit {
		t.Fatalf("same normalized filter should hit")
	}
	if _, err := f.svc.TileJSON(ctx, "stations", "http://x", url.Values{"filter": {"a=="}}); errs.HTTPStatus(err) != 400 {
		t.Fatalf("bad filter: %v", err)
	}
}

func TestSummary_CountsAndGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addStation(t, "tokyo", 139.7671, 35.6812)

	var s Summary
	r, err := f.svc.Summary(ctx, "stations")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	_ = json.Unmarshal(r.Entry.Payload, &s)
	if s.FeatureCount == nil || *s.FeatureCount != 1 || s.Generation != 0 {
		t.Fatalf("summary=%+v", s)
	}

	f.addStation(t, "osaka", 135.4959, 34.7025)
	f.cache.BumpGeneration(ctx, "stations")
	r, _ = f.svc.Summary(ctx, "stations")
	_ = json.Unmarshal(r.Entry.Payload, &s)
	if *s.FeatureCount != 2 || s.Generation != 1 {
		t.Fatalf("after bump summary=%+v", s)
	}
}

func TestSummaryAndDefaultFormat_FollowTheTilesetKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.db.PutTileset(ctx, model.Tileset{ID: "dem", Kind: model.KindRaster, Source: "dem", MaxZoom: 12}); err != nil {
		t.Fatalf("PutTileset: %v", err)
	}
	reg := raster.NewRegistry(nil)
	reg.Register("dem", raster.NewMemReader(1, model.WorldBounds, func(_, lat float64, _ int) float64 { return lat }))
	p := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, ExponentialBase: 2}
	svc := New(f.db, encoder.New(f.db, reg, nil, encoder.WithPolicy(p)), f.cache, WithPolicy(p))

	r, err := svc.Summary(ctx, "dem")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	var s Summary
	_ = json.Unmarshal(r.Entry.Payload, &s)
	if s.FeatureCount != nil || s.Format != "png" {
		t.Fatalf("raster summary=%+v", s)
	}

	tile, err := svc.Tile(ctx, model.TileRequest{TilesetID: "dem", Coord: model.TileCoord{Z: 1, X: 0, Y: 0}})
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if tile.Entry.ContentType != "image/png" || !strings.Contains(tile.Entry.Key, "/0/0.png") {
		t.Fatalf("default raster tile ct=%q key=%q", tile.Entry.ContentType, tile.Entry.Key)
	}

	r, _ = svc.Summary(ctx, "stations")
	_ = json.Unmarshal(r.Entry.Payload, &s)
	if s.FeatureCount == nil || s.Format != "pbf" {
		t.Fatalf("vector summary=%+v", s)
	}
}

func TestStatic_CatalogsHaveNoTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := f.svc.Static(ctx, CatalogColormaps)
	if err != nil {
		t.Fatalf("Static: %v", err)
	}
	if r.MaxAge != 0 || !r.Entry.ExpiresAt.IsZero() {
		t.Fatalf("static entry should not expire: %+v", r.Entry.ExpiresAt)
	}
	var cms []colormapDoc
	if err := json.Unmarshal(r.Entry.Payload, &cms); err != nil || len(cms) != 4 {
		t.Fatalf("colormaps=%v err=%v", cms, err)
	}
	var raw []struct {
		Name     string               `json:"name"`
		RawStops [][2]json.RawMessage `json:"stops"`
	}
	if err := json.Unmarshal(r.Entry.Payload, &raw); err != nil {
		t.Fatalf("colormap stops: %v", err)
	}
	for _, cm := range raw {
		for _, st := range cm.RawStops {
			var rgba []int
			if err := json.Unmarshal(st[1], &rgba); err != nil || len(rgba) != 4 {
				t.Fatalf("%s stop color %s is not an rgba int array: %v", cm.Name, st[1], err)
			}
			for _, v := range rgba {
				if v < 0 || v > 255 {
					t.Fatalf("%s stop color %v out of range", cm.Name, rgba)
				}
			}
		}
		if cm.Name == "greys" && string(cm.RawStops[len(cm.RawStops)-1][1]) != "[255,255,255,255]" {
			t.Fatalf("greys end stop=%s", cm.RawStops[len(cm.RawStops)-1][1])
		}
	}
	r, _ = f.svc.Static(ctx, CatalogFilterOperators)
	var ops []operatorDoc
	_ = json.Unmarshal(r.Entry.Payload, &ops)
	if len(ops) != 7 || ops[0].Symbol != "=" {
		t.Fatalf("operators=%+v", ops)
	}
	if _, err := f.svc.Static(ctx, "fonts"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unknown catalog: %v", err)
	}
}

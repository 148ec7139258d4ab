package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/filter"
	"github.com/mohammed-shakir/geotile-cache/internal/store"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "tiles.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.PutTileset(ctx, model.Tileset{ID: "tokyo", Kind: model.KindVector, Layer: "poi", MinZoom: 0, MaxZoom: 16}); err != nil {
		t.Fatalf("PutTileset: %v", err)
	}
	feats := []model.Feature{
		{ID: "f1", TilesetID: "tokyo", Geometry: []byte(`{"type":"Point","coordinates":[139.7671,35.6812]}`),
			Properties: map[string]any{"type": "station", "name": "Tokyo Station"}},
		{ID: "f2", TilesetID: "tokyo", Geometry: []byte(`{"type":"Point","coordinates":[139.7967,35.7148]}`),
			Properties: map[string]any{"type": "temple", "name": "Senso-ji"}},
		{ID: "f3", TilesetID: "tokyo", Geometry: []byte(`{"type":"LineString","coordinates":[[139.70,35.65],[139.71,35.6500001],[139.72,35.65]]}`),
			Properties: map[string]any{"type": "rail", "name": "Yamanote"}},
		{ID: "o1", TilesetID: "osaka", Geometry: []byte(`{"type":"Point","coordinates":[135.4959,34.7025]}`),
			Properties: map[string]any{"type": "station", "name": "Osaka Station"}},
	}
	for _, f := range feats {
		if err := s.Put(ctx, f); err != nil {
			t.Fatalf("Put %s: %v", f.ID, err)
		}
	}
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiles.db")
	for i := 0; i < 2; i++ {
		s, err := Open(context.Background(), path)
		if err != nil {
			t.Fatalf("Open #%d: %v", i, err)
		}
		_ = s.Close()
	}
}

func TestQueryBBox_FiltersByEnvelopeAndExpression(t *testing.T) {
	s := openTemp(t)
	seed(t, s)
	ctx := context.Background()

	tokyo := model.BBox{X1: 139.6, Y1: 35.6, X2: 139.9, Y2: 35.8}
	got, err := s.QueryBBox(ctx, store.Query{TilesetID: "tokyo", BBox: tokyo})
	if err != nil {
		t.Fatalf("QueryBBox: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("features=%d want 3", len(got))
	}

	got, err = s.QueryBBox(ctx, store.Query{TilesetID: "tokyo", BBox: tokyo, Filter: filter.MustParse("type=station,temple")})
	if err != nil {
		t.Fatalf("QueryBBox filtered: %v", err)
	}
	if len(got) != 2 || got[0].ID != "f1" || got[1].ID != "f2" {
		t.Fatalf("unexpected filtered result: %+v", got)
	}

	empty, err := s.QueryBBox(ctx, store.Query{TilesetID: "tokyo", BBox: model.BBox{X1: 0, Y1: 0, X2: 1, Y2: 1}})
	if err != nil || len(empty) != 0 {
		t.Fatalf("disjoint bbox = %d features, err=%v", len(empty), err)
	}
}

func TestQueryBBox_SimplifiedGeometryFastPath(t *testing.T) {
	s := openTemp(t)
	seed(t, s)
	ctx := context.Background()
	bb := model.BBox{X1: 139.6, Y1: 35.6, X2: 139.9, Y2: 35.8}

	full, _ := s.QueryBBox(ctx, store.Query{TilesetID: "tokyo", BBox: bb, Filter: filter.MustParse("type=rail")})
	simp, _ := s.QueryBBox(ctx, store.Query{TilesetID: "tokyo", BBox: bb, Filter: filter.MustParse("type=rail"), Simplified: true})
	if len(full) != 1 || len(simp) != 1 {
		t.Fatalf("expected one rail feature in each query")
	}
	if len(simp[0].Geometry) >= len(full[0].Geometry) {
		t.Fatalf("simplified geometry should be smaller: %s vs %s", simp[0].Geometry, full[0].Geometry)
	}
}

func TestStream_SelectorsAndOrder(t *testing.T) {
	s := openTemp(t)
	seed(t, s)
	ctx := context.Background()

	var ids []string
	err := s.Stream(ctx, store.Selector{IDs: []string{"o1", "f1", "missing"}}, func(f model.Feature) error {
		ids = append(ids, f.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(ids) != 2 || ids[0] != "f1" || ids[1] != "o1" {
		t.Fatalf("ids=%v want [f1 o1]", ids)
	}

	ids = nil
	_ = s.Stream(ctx, store.Selector{Filter: filter.MustParse("type=station")}, func(f model.Feature) error {
		ids = append(ids, f.ID)
		return nil
	})
	if len(ids) != 2 {
		t.Fatalf("filter selection ids=%v", ids)
	}

	stop := errors.New("stop")
	n := 0
	err = s.Stream(ctx, store.Selector{TilesetID: "tokyo"}, func(model.Feature) error {
		n++
		return stop
	})
	if !errors.Is(err, stop) || n != 1 {
		t.Fatalf("callback error must stop the stream: n=%d err=%v", n, err)
	}
}

func TestScans_SkipRowsWithUndecodableProperties(t *testing.T) {
	s := openTemp(t)
	seed(t, s)
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `INSERT INTO features
		(id, tileset_id, geometry, properties, minx, miny, maxx, maxy, updated_at)
		VALUES ('f0', 'tokyo', '{"type":"Point","coordinates":[139.75,35.7]}', '{not json', 139.75, 35.7, 139.75, 35.7, 0)`)
	if err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}

	tokyo := model.BBox{X1: 139.6, Y1: 35.6, X2: 139.9, Y2: 35.8}
	got, err := s.QueryBBox(ctx, store.Query{TilesetID: "tokyo", BBox: tokyo})
	if err != nil {
		t.Fatalf("QueryBBox: %v", err)
	}
	if len(got) != 3 || got[0].ID != "f1" {
		t.Fatalf("corrupt row should be skipped, got %d features", len(got))
	}

	var ids []string
	err = s.Stream(ctx, store.Selector{TilesetID: "tokyo"}, func(f model.Feature) error {
		ids = append(ids, f.ID)
		return nil
	})
	if err != nil || len(ids) != 3 {
		t.Fatalf("Stream ids=%v err=%v", ids, err)
	}

	if _, err := s.Get(ctx, "f0"); !errors.Is(err, errBadProperties) {
		t.Fatalf("Get of a corrupt row should report it, got %v", err)
	}
}

func TestUpdateDelete_NotFoundAndRoundTrip(t *testing.T) {
	s := openTemp(t)
	seed(t, s)
	ctx := context.Background()

	f, err := s.UpdateProperties(ctx, "f1", map[string]any{"type": "station", "lines": 12.0})
	if err != nil {
		t.Fatalf("UpdateProperties: %v", err)
	}
	if f.Properties["lines"] != 12.0 || f.Properties["name"] != nil {
		t.Fatalf("properties not replaced: %+v", f.Properties)
	}
	if _, err := s.UpdateProperties(ctx, "nope", map[string]any{}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("update missing: %v", err)
	}
	if err := s.Delete(ctx, "f2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "f2"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("get deleted: %v", err)
	}
	if err := s.Delete(ctx, "f2"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestPut_RejectsMalformedGeometry(t *testing.T) {
	s := openTemp(t)
	err := s.Put(context.Background(), model.Feature{ID: "bad", TilesetID: "x", Geometry: []byte(`{"type":"Point","coordinates":`)})
	if errs.ClassOf(err) != errs.ClassInvalid {
		t.Fatalf("class=%v err=%v want invalid", errs.ClassOf(err), err)
	}
}

func TestCatalog_GenerationNeverLowered(t *testing.T) {
	s := openTemp(t)
	seed(t, s)
	ctx := context.Background()

	if err := s.SetGeneration(ctx, "tokyo", 4); err != nil {
		t.Fatalf("SetGeneration: %v", err)
	}
	if err := s.SetGeneration(ctx, "tokyo", 2); err != nil {
		t.Fatalf("SetGeneration lower: %v", err)
	}
	ts, err := s.Tileset(ctx, "tokyo")
	if err != nil {
		t.Fatalf("Tileset: %v", err)
	}
	if ts.Generation != 4 || ts.Kind != model.KindVector || ts.LayerName() != "poi" {
		t.Fatalf("unexpected tileset: %+v", ts)
	}
	if ts.Bounds != model.WorldBounds {
		t.Fatalf("zero bounds should default to world: %+v", ts.Bounds)
	}
	if err := s.SetGeneration(ctx, "missing", 1); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("missing tileset: %v", err)
	}
	n, err := s.CountFeatures(ctx, "tokyo")
	if err != nil || n != 3 {
		t.Fatalf("CountFeatures=%d err=%v", n, err)
	}
	all, _ := s.Tilesets(ctx)
	if len(all) != 1 {
		t.Fatalf("tilesets=%d", len(all))
	}
}

func TestConstraintViolation_Is422Class(t *testing.T) {
	s := openTemp(t)
	err := s.PutTileset(context.Background(), model.Tileset{ID: "bad", Kind: model.KindVector, MinZoom: 10, MaxZoom: 2})
	var ce *errs.ConstraintError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConstraintError, got %T %v", err, err)
	}
	if errs.HTTPStatus(err) != 422 {
		t.Fatalf("status=%d want 422", errs.HTTPStatus(err))
	}
}

package batch

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/tilecache"
	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/filter"
	"github.com/mohammed-shakir/geotile-cache/internal/invalidation"
	"github.com/mohammed-shakir/geotile-cache/internal/retry"
	"github.com/mohammed-shakir/geotile-cache/internal/store"
	"github.com/mohammed-shakir/geotile-cache/internal/store/sqlitestore"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []invalidation.Event
}

func (p *recordingPublisher) Publish(ev invalidation.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fixture struct {
	engine *Engine
	store  *sqlitestore.Store
	cache  *tilecache.Cache
	pub    *recordingPublisher
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, ExponentialBase: 2}
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	st, err := sqlitestore.Open(ctx, filepath.Join(t.TempDir(), "batch.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.PutTileset(ctx, model.Tileset{ID: "poi", Kind: model.KindVector, MaxZoom: 14}); err != nil {
		t.Fatalf("PutTileset: %v", err)
	}
	feats := []model.Feature{
		{ID: "p1", Properties: map[string]any{"type": "station", "name": "Tokyo Station", "open": true}},
		{ID: "p2", Properties: map[string]any{"type": "temple", "name": "Senso-ji", "tags": []any{"historic"}}},
		{ID: "p3", Properties: map[string]any{"type": "tower", "name": "Tokyo Tower", "status": true}},
		{ID: "p4", Properties: map[string]any{"type": "station", "name": "Shinjuku"}},
		{ID: "p5", Properties: map[string]any{"type": "park", "name": "Ueno Park", "height": 12.5}},
	}
	for i, f := range feats {
		f.TilesetID = "poi"
		f.Geometry = []byte(`{"type":"Point","coordinates":[139.7` + string(rune('0'+i)) + `,35.68]}`)
		if err := st.Put(ctx, f); err != nil {
			t.Fatalf("Put %s: %v", f.ID, err)
		}
	}

	cache, err := tilecache.New(nil, tilecache.WithLocalFallback(16))
	if err != nil {
		t.Fatalf("tilecache.New: %v", err)
	}
	pub := &recordingPublisher{}
	e := New(st, st, cache, WithPolicy(fastPolicy()), WithPublisher(pub))
	return fixture{engine: e, store: st, cache: cache, pub: pub}
}

func ids(n ...string) store.Selector { return store.Selector{IDs: n} }

func TestUpdate_OneFailingRecordDoesNotAbortBatch(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// p3 holds a boolean "status"; a string patch must fail validation there
	res, err := fx.engine.Update(ctx, UpdateRequest{
		Selector: ids("p1", "p2", "p3", "p4", "p5"),
		Patch:    map[string]any{"status": "closed"},
		Merge:    true,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res.SuccessCount != 4 || res.FailedCount != 1 || res.TotalCount != 5 {
		t.Fatalf("counts=%d/%d/%d want 4/1/5", res.SuccessCount, res.FailedCount, res.TotalCount)
	}
	if len(res.Errors) != 1 || res.Errors[0].ID != "p3" || res.Errors[0].Class != "invalid" {
		t.Fatalf("errors=%+v", res.Errors)
	}

	f, err := fx.store.Get(ctx, "p4")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if f.Properties["status"] != "closed" || f.Properties["name"] != "Shinjuku" {
		t.Fatalf("merge lost data: %+v", f.Properties)
	}
	if got := fx.cache.Generation(ctx, "poi"); got != 1 || res.Generations["poi"] != 1 {
		t.Fatalf("generation=%d result=%v want 1", got, res.Generations)
	}
	ts, _ := fx.store.Tileset(ctx, "poi")
	if ts.Generation != 1 {
		t.Fatalf("persisted generation=%d want 1", ts.Generation)
	}
	if fx.pub.Len() != 1 || fx.pub.events[0].Records != 4 || fx.pub.events[0].Op != invalidation.OpUpdate {
		t.Fatalf("events=%+v", fx.pub.events)
	}
}

func TestUpdate_ReplaceDropsOldProperties(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	res, err := fx.engine.Update(ctx, UpdateRequest{Selector: ids("p1"), Patch: map[string]any{"type": "hub"}})
	if err != nil || res.SuccessCount != 1 {
		t.Fatalf("Update: %v %+v", err, res)
	}
	f, _ := fx.store.Get(ctx, "p1")
	if len(f.Properties) != 1 || f.Properties["type"] != "hub" {
		t.Fatalf("replace kept old keys: %+v", f.Properties)
	}

	// null removes a key under merge
	if _, err := fx.engine.Update(ctx, UpdateRequest{Selector: ids("p2"), Patch: map[string]any{"tags": nil}, Merge: true}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	f, _ = fx.store.Get(ctx, "p2")
	if _, ok := f.Properties["tags"]; ok || f.Properties["name"] != "Senso-ji" {
		t.Fatalf("merge null: %+v", f.Properties)
	}
}

func TestUpdate_MissingIDsAndFilterSelection(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	res, err := fx.engine.Update(ctx, UpdateRequest{
		Selector: store.Selector{Filter: filter.MustParse("properties.type=station")},
		Patch:    map[string]any{"checked": true},
		Merge:    true,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res.TotalCount != 2 || res.SuccessCount != 2 {
		t.Fatalf("filter selection: %+v", res)
	}

	res, err = fx.engine.Update(ctx, UpdateRequest{Selector: ids("p1", "nope"), Patch: map[string]any{"x": 1.0}, Merge: true})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res.TotalCount != 2 || res.FailedCount != 1 || res.Errors[0].ID != "nope" || res.Errors[0].Class != "not_found" {
		t.Fatalf("missing id: %+v", res)
	}
}

func TestUpdate_EmptySelectorRejected(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.engine.Update(context.Background(), UpdateRequest{Patch: map[string]any{"a": "b"}})
	if !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("want ErrInvalid, got %v", err)
	}
}

func TestDelete_DryRunHasNoSideEffects(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	res, err := fx.engine.Delete(ctx, DeleteRequest{
		Selector: store.Selector{TilesetID: "poi", Filter: filter.MustParse("properties.name~tokyo")},
		DryRun:   true,
	})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !res.DryRun || res.TotalCount != 2 || res.SuccessCount != 2 || len(res.Affected) != 2 {
		t.Fatalf("dry run result: %+v", res)
	}
	n, _ := fx.store.CountFeatures(ctx, "poi")
	if n != 5 {
		t.Fatalf("dry run deleted records: count=%d", n)
	}
	if fx.cache.Generation(ctx, "poi") != 0 {
		t.Fatalf("dry run bumped generation")
	}
	if fx.pub.Len() != 0 {
		t.Fatalf("dry run published %d events", fx.pub.Len())
	}
}

func TestDelete_RemovesAndBumps(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	res, err := fx.engine.Delete(ctx, DeleteRequest{Selector: ids("p1", "p2")})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if res.SuccessCount != 2 || res.FailedCount != 0 {
		t.Fatalf("result: %+v", res)
	}
	if _, err := fx.store.Get(ctx, "p1"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("p1 still present: %v", err)
	}
	if fx.cache.Generation(ctx, "poi") != 1 || fx.pub.Len() != 1 {
		t.Fatalf("delete must bump and publish once")
	}
}

func TestSingleRecordMutations(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	f, gen, err := fx.engine.UpdateOne(ctx, "p5", map[string]any{"height": 13.0}, true)
	if err != nil {
		t.Fatalf("UpdateOne: %v", err)
	}
	if f.Properties["height"] != 13.0 || gen != 1 {
		t.Fatalf("UpdateOne: %+v gen=%d", f.Properties, gen)
	}
	if _, _, err := fx.engine.UpdateOne(ctx, "p5", map[string]any{"height": "tall"}, true); errs.HTTPStatus(err) != 400 {
		t.Fatalf("type change should be 400, got %v", err)
	}
	if _, err := fx.engine.DeleteOne(ctx, "missing"); errs.HTTPStatus(err) != 404 {
		t.Fatalf("missing delete should be 404, got %v", err)
	}
	gen, err = fx.engine.DeleteOne(ctx, "p5")
	if err != nil || gen != 2 {
		t.Fatalf("DeleteOne: gen=%d err=%v", gen, err)
	}
}

func TestExport_GeoJSON(t *testing.T) {
	fx := newFixture(t)
	var buf bytes.Buffer
	n, err := fx.engine.Export(context.Background(), ExportRequest{
		Selector: store.Selector{TilesetID: "poi"},
		Format:   FormatGeoJSON,
		H3Res:    8,
	}, &buf)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n != 5 {
		t.Fatalf("n=%d want 5", n)
	}
	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			ID         string         `json:"id"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(buf.Bytes(), &fc); err != nil {
		t.Fatalf("invalid json: %v\n%s", err, buf.String())
	}
	if fc.Type != "FeatureCollection" || len(fc.Features) != 5 || fc.Features[0].ID != "p1" {
		t.Fatalf("unexpected collection: %+v", fc)
	}
	if cell, _ := fc.Features[0].Properties["h3_cell"].(string); len(cell) != 15 {
		t.Fatalf("h3_cell=%q", cell)
	}
}

func TestExport_CSVColumnsAreUnionOfProperties(t *testing.T) {
	fx := newFixture(t)
	var buf bytes.Buffer
	n, err := fx.engine.Export(context.Background(), ExportRequest{
		Selector: ids("p1", "p5"),
		Format:   FormatCSV,
	}, &buf)
	if err != nil || n != 2 {
		t.Fatalf("Export: n=%d err=%v", n, err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	want := "id,tileset_id,height,name,open,type,geometry"
	if got := strings.Join(rows[0], ","); got != want {
		t.Fatalf("header=%q want %q", got, want)
	}
	if len(rows) != 3 || rows[1][0] != "p1" || rows[1][2] != "" || rows[2][2] != "12.5" {
		t.Fatalf("rows=%v", rows)
	}
	if !strings.HasPrefix(rows[1][6], "POINT(") {
		t.Fatalf("geometry=%q", rows[1][6])
	}
}

func TestExport_RejectsBadFormat(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.engine.Export(context.Background(), ExportRequest{Selector: ids("p1"), Format: "xml"}, &bytes.Buffer{})
	if errs.HTTPStatus(err) != 400 {
		t.Fatalf("want 400, got %v", err)
	}
}

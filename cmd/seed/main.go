package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/logger"
	"github.com/mohammed-shakir/geotile-cache/internal/store"
	"github.com/mohammed-shakir/geotile-cache/internal/store/sqlitestore"
)

func main() {
	os.Exit(run())
}

func run() int {
	dbPath := flag.String("db", envOr("DB_PATH", "geotile.db"), "SQLite feature store")
	tileset := flag.String("tileset", "", "tileset id (defaults to the file name)")
	layer := flag.String("layer", "", "vector layer name")
	minZoom := flag.Int("min-zoom", 0, "tileset min zoom")
	maxZoom := flag.Int("max-zoom", 16, "tileset max zoom")
	flag.Parse()

	zl := logger.Build(logger.Config{Level: "info", Console: true, Component: "seed"}, os.Stderr)
	log := logger.NewSlog(&zl)

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: seed [flags] features.geojson")
		return 2
	}
	path := flag.Arg(0)
	if *tileset == "" {
		*tileset = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sqlitestore.Open(ctx, *dbPath, sqlitestore.WithLogger(log))
	if err != nil {
		log.Error("open store", "err", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		log.Error("open input", "err", err)
		return 1
	}
	defer func() { _ = f.Close() }()

	ts := model.Tileset{ID: *tileset, Kind: model.KindVector, Layer: *layer, MinZoom: *minZoom, MaxZoom: *maxZoom}
	n, err := importCollection(ctx, db, db, ts, f)
	if err != nil {
		log.Error("import failed", "imported", n, "err", err)
		return 1
	}
	log.Info("import done", "tileset", ts.ID, "features", n)
	return 0
}

// importCollection stores every feature of a FeatureCollection under ts and
// bumps the persisted generation so restarted servers never reuse tiles
// cached before the import.
func importCollection(ctx context.Context, catalog store.TilesetCatalog, features store.FeatureStore, ts model.Tileset, r io.Reader) (int, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("read input: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return 0, fmt.Errorf("decode feature collection: %v: %w", err, errs.ErrInvalid)
	}
	if len(fc.Features) == 0 {
		return 0, fmt.Errorf("feature collection is empty: %w", errs.ErrInvalid)
	}

	prev, err := catalog.Tileset(ctx, ts.ID)
	switch {
	case err == nil:
		ts.Generation = prev.Generation + 1
	case errors.Is(err, errs.ErrNotFound):
	default:
		return 0, err
	}
	var (
		b    orb.Bound
		seen bool
	)
	for _, f := range fc.Features {
		if f.Geometry == nil {
			continue
		}
		if !seen {
			b, seen = f.Geometry.Bound(), true
			continue
		}
		b = b.Union(f.Geometry.Bound())
	}
	if seen {
		ts.Bounds = model.BBox{X1: b.Min[0], Y1: b.Min[1], X2: b.Max[0], Y2: b.Max[1]}
	}
	if err := catalog.PutTileset(ctx, ts); err != nil {
		return 0, err
	}

	n := 0
	for i, f := range fc.Features {
		if f.Geometry == nil {
			continue
		}
		geom, err := geojson.NewGeometry(f.Geometry).MarshalJSON()
		if err != nil {
			return n, fmt.Errorf("feature %d: %w", i, err)
		}
		rec := model.Feature{
			ID:         featureID(f, ts.ID, i),
			TilesetID:  ts.ID,
			Geometry:   geom,
			Properties: map[string]any(f.Properties),
		}
		if err := features.Put(ctx, rec); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func featureID(f *geojson.Feature, tileset string, i int) string {
	switch id := f.ID.(type) {
	case string:
		if id != "" {
			return id
		}
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	}
	if s, ok := f.Properties["id"].(string); ok && s != "" {
		return s
	}
	return tileset + "-" + strconv.Itoa(i)
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

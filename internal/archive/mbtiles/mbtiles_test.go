package mbtiles

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
)

func TestArchive_TileUsesTMSRows(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	w, err := Create(ctx, filepath.Join(dir, "basemap.mbtiles"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.PutTile(ctx, model.TileCoord{Z: 2, X: 1, Y: 0}, []byte("north")); err != nil {
		t.Fatalf("PutTile: %v", err)
	}
	if err := w.SetMetadata(ctx, "format", "png"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	var row int
	if err := w.db.QueryRowContext(ctx, `SELECT tile_row FROM tiles`).Scan(&row); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if row != 3 {
		t.Fatalf("tile_row=%d want 3 (TMS flip of y=0 at z=2)", row)
	}
	_ = w.Close()

	d := NewDir(dir, nil)
	t.Cleanup(func() { _ = d.Close() })
	a, err := d.Archive(ctx, "basemap")
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	got, err := a.Tile(ctx, model.TileCoord{Z: 2, X: 1, Y: 0})
	if err != nil || string(got) != "north" {
		t.Fatalf("Tile=%q err=%v", got, err)
	}
	md, err := a.Metadata(ctx)
	if err != nil || md["format"] != "png" {
		t.Fatalf("metadata=%v err=%v", md, err)
	}
	again, _ := d.Archive(ctx, "basemap.mbtiles")
	if again != a {
		t.Fatalf("Dir should reuse the open archive")
	}
}

func TestArchive_MissingTileAndFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	w, err := Create(ctx, filepath.Join(dir, "empty.mbtiles"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	if _, err := w.Tile(ctx, model.TileCoord{Z: 3, X: 1, Y: 1}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("missing tile: %v", err)
	}
	if _, err := w.Tile(ctx, model.TileCoord{Z: 1, X: 2, Y: 0}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("out of range coord: %v", err)
	}
	if _, err := NewDir(dir, nil).Archive(ctx, "nope"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("missing archive: %v", err)
	}
}

func TestIsGzip(t *testing.T) {
	if !IsGzip([]byte{0x1f, 0x8b, 0x08}) || IsGzip([]byte("png")) {
		t.Fatalf("gzip magic detection wrong")
	}
}

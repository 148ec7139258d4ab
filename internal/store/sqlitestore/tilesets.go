package sqlitestore

import (
	"context"
	"fmt"

	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/store"
)

var _ store.TilesetCatalog = (*Store)(nil)

const tilesetCols = `id, kind, name, layer, minzoom, maxzoom, west, south, east, north, source, format, attribution, generation`

func scanTileset(sc scanner) (model.Tileset, error) {
	var (
		ts   model.Tileset
		kind string
	)
	err := sc.Scan(&ts.ID, &kind, &ts.Name, &ts.Layer, &ts.MinZoom, &ts.MaxZoom,
		&ts.Bounds.X1, &ts.Bounds.Y1, &ts.Bounds.X2, &ts.Bounds.Y2,
		&ts.Source, &ts.Format, &ts.Attribution, &ts.Generation)
	ts.Kind = model.Kind(kind)
	return ts, err
}

func (s *Store) Tileset(ctx context.Context, id string) (model.Tileset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tilesetCols+` FROM tilesets WHERE id = ?`, id)
	ts, err := scanTileset(row)
	if err != nil {
		return model.Tileset{}, translate(fmt.Sprintf("tileset %q", id), err)
	}
	return ts, nil
}

func (s *Store) Tilesets(ctx context.Context) ([]model.Tileset, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tilesetCols+` FROM tilesets ORDER BY id`)
	if err != nil {
		return nil, translate("list tilesets", err)
	}
	defer func() { _ = rows.Close() }()
	var out []model.Tileset
	for rows.Next() {
		ts, err := scanTileset(rows)
		if err != nil {
			return nil, translate("list tilesets scan", err)
		}
		out = append(out, ts)
	}
	return out, translate("list tilesets rows", rows.Err())
}

// PutTileset inserts or updates a tileset definition. The stored generation
// is never lowered.
func (s *Store) PutTileset(ctx context.Context, ts model.Tileset) error {
	if ts.ID == "" || !ts.Kind.Valid() {
		return fmt.Errorf("tileset needs id and a valid kind: %w", errs.ErrInvalid)
	}
	b := ts.Bounds
	if b.IsZero() {
		b = model.WorldBounds
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tilesets (`+tilesetCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind, name = excluded.name, layer = excluded.layer,
			minzoom = excluded.minzoom, maxzoom = excluded.maxzoom,
			west = excluded.west, south = excluded.south, east = excluded.east, north = excluded.north,
			source = excluded.source, format = excluded.format, attribution = excluded.attribution,
			generation = MAX(tilesets.generation, excluded.generation)`,
		ts.ID, string(ts.Kind), ts.Name, ts.Layer, ts.MinZoom, ts.MaxZoom,
		b.X1, b.Y1, b.X2, b.Y2, ts.Source, ts.Format, ts.Attribution, ts.Generation)
	return translate(fmt.Sprintf("put tileset %q", ts.ID), err)
}

func (s *Store) CountFeatures(ctx context.Context, tilesetID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM features WHERE tileset_id = ?`, tilesetID).Scan(&n)
	if err != nil {
		return 0, translate(fmt.Sprintf("count features %q", tilesetID), err)
	}
	return n, nil
}

func (s *Store) SetGeneration(ctx context.Context, tilesetID string, gen int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tilesets SET generation = MAX(generation, ?) WHERE id = ?`, gen, tilesetID)
	if err != nil {
		return translate(fmt.Sprintf("set generation %q", tilesetID), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tileset %q: %w", tilesetID, errs.ErrNotFound)
	}
	return nil
}

package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/store"
)

var _ store.FeatureStore = (*Store)(nil)

const featureCols = `id, tileset_id, geometry, simplified, properties, updated_at`

// errBadProperties marks a row whose properties column is not a JSON
// object. Scans over many rows skip it; Get reports it.
var errBadProperties = errors.New("undecodable feature properties")

type scanner interface {
	Scan(dest ...any) error
}

func scanFeature(sc scanner) (model.Feature, error) {
	var (
		f          model.Feature
		geom       string
		simplified sql.NullString
		props      string
		updated    int64
	)
	if err := sc.Scan(&f.ID, &f.TilesetID, &geom, &simplified, &props, &updated); err != nil {
		return model.Feature{}, err
	}
	f.Geometry = []byte(geom)
	if simplified.Valid {
		f.Simplified = []byte(simplified.String)
	}
	f.Properties = map[string]any{}
	if props != "" {
		if err := json.Unmarshal([]byte(props), &f.Properties); err != nil {
			return f, fmt.Errorf("feature %q properties: %w: %w", f.ID, errBadProperties, err)
		}
	}
	f.UpdatedAt = time.Unix(0, updated)
	return f, nil
}

// QueryBBox returns features of q.TilesetID whose envelope intersects q.BBox
// and whose properties satisfy q.Filter. With q.Simplified the precomputed
// geometry replaces the full one where available.
func (s *Store) QueryBBox(ctx context.Context, q store.Query) ([]model.Feature, error) {
	query := `SELECT ` + featureCols + ` FROM features
	WHERE tileset_id = ? AND maxx >= ? AND minx <= ? AND maxy >= ? AND miny <= ?
	ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, q.TilesetID, q.BBox.X1, q.BBox.X2, q.BBox.Y1, q.BBox.Y2)
	if err != nil {
		return nil, translate("query bbox", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if errors.Is(err, errBadProperties) {
			s.log.Warn("skipping feature with bad properties", "tileset", q.TilesetID, "feature", f.ID, "err", err)
			continue
		}
		if err != nil {
			return nil, translate("query bbox scan", err)
		}
		if !q.Filter.Match(f.Properties) {
			continue
		}
		if q.Simplified && len(f.Simplified) > 0 {
			f.Geometry = f.Simplified
		}
		out = append(out, f)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, translate("query bbox rows", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (model.Feature, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+featureCols+` FROM features WHERE id = ?`, id)
	f, err := scanFeature(row)
	if err != nil {
		return model.Feature{}, translate(fmt.Sprintf("feature %q", id), err)
	}
	return f, nil
}

func (s *Store) Stream(ctx context.Context, sel store.Selector, fn func(model.Feature) error) error {
	var (
		where []string
		args  []any
	)
	if sel.TilesetID != "" {
		where = append(where, "tileset_id = ?")
		args = append(args, sel.TilesetID)
	}
	if len(sel.IDs) > 0 {
		where = append(where, "id IN ("+strings.TrimSuffix(strings.Repeat("?,", len(sel.IDs)), ",")+")")
		for _, id := range sel.IDs {
			args = append(args, id)
		}
	}
	query := `SELECT ` + featureCols + ` FROM features`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return translate("stream", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		f, err := scanFeature(rows)
		if errors.Is(err, errBadProperties) {
			s.log.Warn("skipping feature with bad properties", "feature", f.ID, "err", err)
			continue
		}
		if err != nil {
			return translate("stream scan", err)
		}
		if !sel.Filter.Match(f.Properties) {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return translate("stream rows", rows.Err())
}

// Put inserts or replaces a feature, deriving its envelope and simplified
// geometry from the GeoJSON text.
func (s *Store) Put(ctx context.Context, f model.Feature) error {
	if f.ID == "" || f.TilesetID == "" {
		return fmt.Errorf("feature needs id and tileset_id: %w", errs.ErrInvalid)
	}
	minx, miny, maxx, maxy, simplified, err := s.envelope(f.Geometry)
	if err != nil {
		return fmt.Errorf("feature %q: %w", f.ID, err)
	}
	props, err := marshalProps(f.Properties)
	if err != nil {
		return fmt.Errorf("feature %q: %w", f.ID, err)
	}
	var simp any
	if len(simplified) > 0 {
		simp = string(simplified)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO features
		(id, tileset_id, geometry, simplified, properties, minx, miny, maxx, maxy, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tileset_id = excluded.tileset_id,
			geometry = excluded.geometry,
			simplified = excluded.simplified,
			properties = excluded.properties,
			minx = excluded.minx, miny = excluded.miny,
			maxx = excluded.maxx, maxy = excluded.maxy,
			updated_at = excluded.updated_at`,
		f.ID, f.TilesetID, string(f.Geometry), simp, props, minx, miny, maxx, maxy, s.now().UnixNano())
	return translate(fmt.Sprintf("put feature %q", f.ID), err)
}

func (s *Store) UpdateProperties(ctx context.Context, id string, props map[string]any) (model.Feature, error) {
	b, err := marshalProps(props)
	if err != nil {
		return model.Feature{}, fmt.Errorf("feature %q: %w", id, err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE features SET properties = ?, updated_at = ? WHERE id = ?`,
		b, s.now().UnixNano(), id)
	if err != nil {
		return model.Feature{}, translate(fmt.Sprintf("update feature %q", id), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Feature{}, fmt.Errorf("feature %q: %w", id, errs.ErrNotFound)
	}
	return s.Get(ctx, id)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM features WHERE id = ?`, id)
	if err != nil {
		return translate(fmt.Sprintf("delete feature %q", id), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("feature %q: %w", id, errs.ErrNotFound)
	}
	return nil
}

func marshalProps(p map[string]any) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("properties: %w: %w", err, errs.ErrInvalid)
	}
	return string(b), nil
}

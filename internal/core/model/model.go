// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"time"

	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/filter"
)

type Kind string

const (
	KindVector  Kind = "vector"
	KindRaster  Kind = "raster"
	KindArchive Kind = "archive"
)

func (k Kind) Valid() bool {
	return k == KindVector || k == KindRaster || k == KindArchive
}

// BBox is west,south,east,north in EPSG:4326 degrees.
type BBox struct {
	X1, Y1 float64
	X2, Y2 float64
}

// WorldBounds is the Web Mercator coverable extent.
var WorldBounds = BBox{X1: -180, Y1: -85.0511287798066, X2: 180, Y2: 85.0511287798066}

// String representation matching the TileJSON bounds order
func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.X1, b.Y1, b.X2, b.Y2)
}

func (b BBox) IsZero() bool { return b == BBox{} }

func (b BBox) Intersects(o BBox) bool {
	return b.X1 <= o.X2 && o.X1 <= b.X2 && b.Y1 <= o.Y2 && o.Y1 <= b.Y2
}

func (b BBox) Slice() []float64 { return []float64{b.X1, b.Y1, b.X2, b.Y2} }

// MaxTileZoom bounds z so that 1<<z stays well inside int.
const MaxTileZoom = 30

type TileCoord struct {
	Z, X, Y int
}

func (c TileCoord) String() string { return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y) }

// Valid reports whether x and y are inside the tile grid for z.
func (c TileCoord) Valid() bool {
	if c.Z < 0 || c.Z > MaxTileZoom {
		return false
	}
	n := 1 << c.Z
	return c.X >= 0 && c.X < n && c.Y >= 0 && c.Y < n
}

type Tileset struct {
	ID          string
	Name        string
	Kind        Kind
	Layer       string
	MinZoom     int
	MaxZoom     int
	Bounds      BBox
	Source      string
	Format      string
	Attribution string
	Generation  int64
}

// CheckCoord returns errs.ErrNotFound for coordinates outside the grid or the
// tileset's zoom range.
func (t Tileset) CheckCoord(c TileCoord) error {
	if !c.Valid() {
		return fmt.Errorf("tile %s: outside grid: %w", c, errs.ErrNotFound)
	}
	if c.Z < t.MinZoom || c.Z > t.MaxZoom {
		return fmt.Errorf("tile %s: zoom outside [%d,%d] for %q: %w", c, t.MinZoom, t.MaxZoom, t.ID, errs.ErrNotFound)
	}
	return nil
}

// LayerName is the vector layer id, defaulting to the tileset id.
func (t Tileset) LayerName() string {
	if t.Layer != "" {
		return t.Layer
	}
	return t.ID
}

// Feature is a stored record. Geometry holds GeoJSON geometry text exactly as
// persisted; it is decoded lazily so one bad row cannot fail a whole query.
type Feature struct {
	ID         string
	TilesetID  string
	Geometry   []byte
	Simplified []byte
	Properties map[string]any
	UpdatedAt  time.Time
}

type TileRequest struct {
	TilesetID string
	Coord     TileCoord
	Format    string
	Layer     string
	Filter    filter.Expression
	Simplify  bool
	ScaleMin  *float64
	ScaleMax  *float64
	Colormap  string
	Bands     []int
}

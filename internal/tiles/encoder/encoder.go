// Package encoder turns a tile request into tile bytes. Each tileset kind has
// exactly one Kind implementation; callers pick it with Set.ForTileset and
// never branch on the kind themselves.
package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/paulmach/orb/maptile"

	"github.com/mohammed-shakir/geotile-cache/internal/archive/mbtiles"
	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/core/observability"
	"github.com/mohammed-shakir/geotile-cache/internal/raster"
	"github.com/mohammed-shakir/geotile-cache/internal/retry"
	"github.com/mohammed-shakir/geotile-cache/internal/simplify"
	"github.com/mohammed-shakir/geotile-cache/internal/store"
)

// Request is one tile to encode for a resolved tileset.
type Request struct {
	Tileset model.Tileset
	model.TileRequest
}

// Simplification is the zoom derived tolerance, or Disabled when the caller
// asked for simplify=false.
func (r Request) Simplification(base float64) simplify.Simplification {
	if !r.Simplify {
		return simplify.Disabled()
	}
	return simplify.ForZoom(r.Coord.Z, r.Tileset.MaxZoom, base)
}

// LayerName is the vector layer the tile is written under.
func (r Request) LayerName() string {
	if r.Layer != "" {
		return r.Layer
	}
	return r.Tileset.LayerName()
}

// Tile is an encoded tile.
type Tile struct {
	Data            []byte
	ContentType     string
	ContentEncoding string
	Features        int
	Skipped         int
}

type VectorLayer struct {
	ID      string            `json:"id"`
	Fields  map[string]string `json:"fields"`
	MinZoom int               `json:"minzoom"`
	MaxZoom int               `json:"maxzoom"`
}

// Description is the kind specific part of a TileJSON document.
type Description struct {
	Tiles        []string
	Format       string
	VectorLayers []VectorLayer
}

// Kind is the capability set every tileset kind provides.
type Kind interface {
	Encode(ctx context.Context, r Request) (Tile, error)
	CacheKeySuffix(r Request) string
	// DescribeForTileJSON returns the tile URL template and layer schema.
	// params are extra query parameters (e.g. filter) echoed into tiles[0].
	DescribeForTileJSON(ts model.Tileset, baseURL string, params url.Values) Description
	// DefaultFormat is the format served when a request names none.
	DefaultFormat(ts model.Tileset) string
	// CountsFeatures reports whether the tileset's features live in the
	// catalog and can be counted for a summary.
	CountsFeatures() bool
	kind() model.Kind
}

type Option func(*Set)

func WithLogger(l *slog.Logger) Option { return func(s *Set) { s.log = l } }

func WithPolicy(p retry.Policy) Option { return func(s *Set) { s.policy = p } }

func WithBaseResolution(b float64) Option { return func(s *Set) { s.baseResolution = b } }

func WithTileSize(px int) Option { return func(s *Set) { s.tileSize = px } }

// WithDisabled turns tile kinds off; their tilesets answer 404.
func WithDisabled(kinds ...model.Kind) Option {
	return func(s *Set) {
		for _, k := range kinds {
			s.disabled[k] = true
		}
	}
}

// Set holds one instance of each kind.
type Set struct {
	log            *slog.Logger
	policy         retry.Policy
	baseResolution float64
	tileSize       int
	disabled       map[model.Kind]bool

	kinds map[model.Kind]Kind
}

// New wires the kinds to their collaborators. Any collaborator may be nil,
// which disables that kind.
func New(features store.FeatureStore, rasters *raster.Registry, archives *mbtiles.Dir, opts ...Option) *Set {
	s := &Set{
		log:            slog.Default(),
		policy:         retry.DefaultPolicy(),
		baseResolution: simplify.DefaultBaseResolution,
		tileSize:       256,
		disabled:       map[model.Kind]bool{},
		kinds:          map[model.Kind]Kind{},
	}
	for _, o := range opts {
		o(s)
	}
	if features != nil {
		s.kinds[model.KindVector] = &vectorKind{set: s, store: features}
	}
	if rasters != nil {
		s.kinds[model.KindRaster] = &rasterKind{set: s, rasters: rasters}
	}
	if archives != nil {
		s.kinds[model.KindArchive] = &archiveKind{set: s, archives: archives}
	}
	return s
}

// ForTileset returns the Kind serving ts.
func (s *Set) ForTileset(ts model.Tileset) (Kind, error) {
	if s.disabled[ts.Kind] {
		return nil, fmt.Errorf("tile kind %q disabled: %w", ts.Kind, errs.ErrNotFound)
	}
	k, ok := s.kinds[ts.Kind]
	if !ok {
		return nil, fmt.Errorf("tileset %q: no encoder for kind %q: %w", ts.ID, ts.Kind, errs.ErrNotFound)
	}
	return k, nil
}

// Traits reports the kind level facts a summary needs. Unlike ForTileset it
// answers for disabled kinds too; a kind with no encoder reports the
// tileset's own format and no feature count.
func (s *Set) Traits(ts model.Tileset) (format string, countsFeatures bool) {
	k, ok := s.kinds[ts.Kind]
	if !ok {
		return normalizeFormat(ts.Format), false
	}
	return k.DefaultFormat(ts), k.CountsFeatures()
}

// Encode is ForTileset followed by Kind.Encode, with the coordinate checked
// up front so out of range requests never reach the store.
func (s *Set) Encode(ctx context.Context, r Request) (Tile, error) {
	k, err := s.ForTileset(r.Tileset)
	if err != nil {
		return Tile{}, err
	}
	if err := r.Tileset.CheckCoord(r.Coord); err != nil {
		return Tile{}, err
	}
	start := time.Now()
	t, err := k.Encode(ctx, r)
	if err != nil {
		return Tile{}, err
	}
	observability.ObserveTileEncode(string(k.kind()), time.Since(start).Seconds(), len(t.Data))
	return t, nil
}

func tileOf(c model.TileCoord) maptile.Tile {
	return maptile.New(uint32(c.X), uint32(c.Y), maptile.Zoom(c.Z))
}

func boundsOf(c model.TileCoord) model.BBox {
	b := tileOf(c).Bound()
	return model.BBox{X1: b.Min.X(), Y1: b.Min.Y(), X2: b.Max.X(), Y2: b.Max.Y()}
}

// tileURL builds base/path/{z}/{x}/{y}.ext?query with the template braces
// left unescaped.
func tileURL(baseURL, path, ext string, q url.Values) string {
	u := strings.TrimRight(baseURL, "/") + path + "/{z}/{x}/{y}." + ext
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

func normalizeFormat(f string) string {
	f = strings.ToLower(strings.TrimPrefix(f, "."))
	if f == "jpeg" {
		return "jpg"
	}
	return f
}

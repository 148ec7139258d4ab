// Package tiles is the request path for tiles and tileset metadata: resolve
// the tileset, build the generation scoped cache key, and encode on a miss.
package tiles

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/tilecache"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/retry"
	"github.com/mohammed-shakir/geotile-cache/internal/store"
	"github.com/mohammed-shakir/geotile-cache/internal/tiles/encoder"
)

// X-Cache values.
const (
	StatusHit    = "HIT"
	StatusMiss   = "MISS"
	StatusBypass = "BYPASS"
)

// Result is a cached or freshly built artifact plus what the HTTP layer needs
// for its headers.
type Result struct {
	Entry  tilecache.Entry
	Status string
	Tier   string
	// MaxAge is the remaining lifetime; zero for artifacts without a TTL.
	MaxAge time.Duration
	ETag   string
}

func (r Result) ContentEncoding() string {
	p := r.Entry.Payload
	if len(p) > 2 && p[0] == 0x1f && p[1] == 0x8b {
		return "gzip"
	}
	return ""
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func WithPolicy(p retry.Policy) Option { return func(s *Service) { s.policy = p } }

// WithMetadataTTL bounds how long a resolved tileset record is reused.
func WithMetadataTTL(d time.Duration) Option { return func(s *Service) { s.metaTTL = d } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

type Service struct {
	catalog  store.TilesetCatalog
	encoders *encoder.Set
	cache    *tilecache.Cache
	log      *slog.Logger
	policy   retry.Policy
	metaTTL  time.Duration
	now      func() time.Time

	meta *expirable.LRU[string, model.Tileset]
}

func New(catalog store.TilesetCatalog, encoders *encoder.Set, cache *tilecache.Cache, opts ...Option) *Service {
	s := &Service{
		catalog:  catalog,
		encoders: encoders,
		cache:    cache,
		log:      slog.Default(),
		policy:   retry.Quick(),
		metaTTL:  30 * time.Second,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.meta = expirable.NewLRU[string, model.Tileset](1024, nil, s.metaTTL)
	return s
}

// Tileset resolves id through the metadata cache.
func (s *Service) Tileset(ctx context.Context, id string) (model.Tileset, error) {
	if ts, ok := s.meta.Get(id); ok {
		return ts, nil
	}
	ts, err := retry.Do(ctx, s.policy.Named("catalog_get"), func(ctx context.Context) (model.Tileset, error) {
		return s.catalog.Tileset(ctx, id)
	})
	if err != nil {
		return model.Tileset{}, err
	}
	s.meta.Add(id, ts)
	return ts, nil
}

// Forget drops a tileset record so the next request reloads it.
func (s *Service) Forget(id string) { s.meta.Remove(id) }

func (s *Service) Tilesets(ctx context.Context) ([]model.Tileset, error) {
	return retry.Do(ctx, s.policy.Named("catalog_list"), s.catalog.Tilesets)
}

// Tile returns the tile for req, from cache when possible.
func (s *Service) Tile(ctx context.Context, req model.TileRequest) (Result, error) {
	return s.tile(ctx, req, false)
}

// TileFresh re-encodes the tile and refreshes the cache entry.
func (s *Service) TileFresh(ctx context.Context, req model.TileRequest) (Result, error) {
	return s.tile(ctx, req, true)
}

func (s *Service) tile(ctx context.Context, req model.TileRequest, bypass bool) (Result, error) {
	ts, err := s.Tileset(ctx, req.TilesetID)
	if err != nil {
		return Result{}, err
	}
	kind, err := s.encoders.ForTileset(ts)
	if err != nil {
		return Result{}, err
	}
	if err := ts.CheckCoord(req.Coord); err != nil {
		return Result{}, err
	}
	if req.Format == "" {
		req.Format = kind.DefaultFormat(ts)
	}

	gen := s.cache.Generation(ctx, ts.ID)
	ereq := encoder.Request{Tileset: ts, TileRequest: req}
	key := keys.Tile(ts.ID, gen, req.Coord.Z, req.Coord.X, req.Coord.Y, req.Format, kind.CacheKeySuffix(ereq))
	compute := func(ctx context.Context) (tilecache.Entry, error) {
		t, err := s.encoders.Encode(ctx, ereq)
		if err != nil {
			return tilecache.Entry{}, err
		}
		if t.Skipped > 0 {
			s.log.Info("tile built with skipped features", "tileset", ts.ID, "tile", req.Coord.String(), "skipped", t.Skipped)
		}
		return tilecache.Entry{Payload: t.Data, ContentType: t.ContentType, SourceVersion: gen}, nil
	}

	if bypass {
		e, err := compute(ctx)
		if err != nil {
			return Result{}, err
		}
		e = s.cache.Put(ctx, key, e, tilecache.ClassTile)
		return s.result(e, StatusBypass, tilecache.TierNone), nil
	}
	lk, err := s.cache.GetOrCompute(ctx, key, tilecache.ClassTile, compute)
	if err != nil {
		return Result{}, err
	}
	return s.lookupResult(lk), nil
}

func (s *Service) lookupResult(lk tilecache.Lookup) Result {
	status := StatusMiss
	if lk.Hit {
		status = StatusHit
	}
	return s.result(lk.Entry, status, lk.Tier)
}

func (s *Service) result(e tilecache.Entry, status, tier string) Result {
	return Result{
		Entry:  e,
		Status: status,
		Tier:   tier,
		MaxAge: e.Remaining(s.now()),
		ETag:   keys.ETag(e.Key, len(e.Payload)),
	}
}

// cachedJSON serves a JSON artifact of class under key, building it with
// build on a miss.
func (s *Service) cachedJSON(ctx context.Context, key string, class tilecache.Class, build func(context.Context) (any, error)) (Result, error) {
	lk, err := s.cache.GetOrCompute(ctx, key, class, func(ctx context.Context) (tilecache.Entry, error) {
		v, err := build(ctx)
		if err != nil {
			return tilecache.Entry{}, err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return tilecache.Entry{}, fmt.Errorf("marshal %s: %w", class, err)
		}
		return tilecache.Entry{Payload: b, ContentType: "application/json"}, nil
	})
	if err != nil {
		return Result{}, err
	}
	return s.lookupResult(lk), nil
}

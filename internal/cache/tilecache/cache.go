// Package tilecache is the two-tier tile cache: Redis as the shared primary
// tier and an optional bounded in-process LRU that serves when Redis is
// unreachable. Keys embed a per-tileset generation counter, so bumping the
// generation makes every older entry unreachable without a delete sweep.
//
// Invariant: one compute per key per instance. Concurrent misses for the
// same key inside one process share a single computation; separate
// instances may still compute the same key independently.
package tilecache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/geotile-cache/internal/core/observability"
)

// Remote is the distributed tier. *redisstore.Client implements it.
type Remote interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	SetMax(ctx context.Context, key string, n int64) (int64, error)
	GetInt(ctx context.Context, key string) (int64, error)
	DelPrefix(ctx context.Context, prefix string) (int, error)
	Ping(ctx context.Context) error
}

const (
	TierRemote = "redis"
	TierLocal  = "local"
	TierNone   = "none"
)

// Lookup describes how GetOrCompute produced its entry.
type Lookup struct {
	Entry Entry
	Hit   bool
	Tier  string
	// Shared is true when this caller waited on another caller's compute.
	Shared bool
}

type Option func(*Cache)

// WithLocalFallback enables the in-process tier with room for size entries.
func WithLocalFallback(size int) Option {
	return func(c *Cache) { c.localSize = size }
}

func WithTTLs(t TTLs) Option {
	return func(c *Cache) { c.ttls = t }
}

// WithOpTimeout bounds each Redis call made on behalf of a write.
func WithOpTimeout(d time.Duration) Option {
	return func(c *Cache) { c.opTimeout = d }
}

// WithComputeTimeout bounds a shared miss computation. It runs detached from
// the callers' contexts, so this is its only deadline.
func WithComputeTimeout(d time.Duration) Option {
	return func(c *Cache) { c.computeTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

type Cache struct {
	remote    Remote
	local     *lru.Cache[string, Entry]
	localSize int
	ttls      TTLs
	opTimeout time.Duration
	log       *slog.Logger

	computeTimeout time.Duration
	now       func() time.Time

	mu   sync.Mutex
	gens map[string]int64

	flight singleflight.Group
}

// New builds a cache. remote may be nil to run on the local tier alone.
func New(remote Remote, opts ...Option) (*Cache, error) {
	c := &Cache{
		remote:    remote,
		ttls:      DefaultTTLs(),
		opTimeout: 250 * time.Millisecond,
		log:       slog.Default(),

		computeTimeout: 30 * time.Second,
		now:       time.Now,
		gens:      map[string]int64{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.localSize > 0 {
		l, err := lru.New[string, Entry](c.localSize)
		if err != nil {
			return nil, err
		}
		c.local = l
	}
	if len(c.ttls.Overrides) > 0 {
		norm := make(map[string]time.Duration, len(c.ttls.Overrides))
		for k, v := range c.ttls.Overrides {
			norm[keys.ID(k)] = v
		}
		c.ttls.Overrides = norm
	}
	if c.remote == nil && c.local == nil {
		return nil, errors.New("tilecache: at least one tier must be enabled")
	}
	return c, nil
}

func (c *Cache) TTLs() TTLs { return c.ttls }

// Get looks key up in Redis first. The local tier is consulted only when
// Redis is disabled or failing; a clean Redis miss is a miss.
func (c *Cache) Get(ctx context.Context, key string) (Entry, bool) {
	e, ok, _ := c.get(ctx, key)
	return e, ok
}

func (c *Cache) get(ctx context.Context, key string) (Entry, bool, string) {
	if c.remote != nil {
		b, err := c.remote.Get(ctx, key)
		switch {
		case err == nil:
			var e Entry
			if uerr := e.UnmarshalBinary(b); uerr != nil {
				c.log.Warn("tile cache: dropping corrupt entry", "key", key, "err", uerr)
				observability.IncCacheResult(TierRemote, "error")
				break
			}
			if e.Expired(c.now()) {
				observability.IncCacheResult(TierRemote, "miss")
				return Entry{}, false, TierRemote
			}
			observability.IncCacheResult(TierRemote, "hit")
			return e, true, TierRemote
		case errors.Is(err, redisstore.ErrMiss):
			observability.IncCacheResult(TierRemote, "miss")
			return Entry{}, false, TierRemote
		default:
			if ctx.Err() != nil {
				return Entry{}, false, TierNone
			}
			observability.IncCacheResult(TierRemote, "error")
			c.log.Debug("tile cache: redis get failed, trying local tier", "key", key, "err", err)
		}
	}
	if c.local == nil {
		return Entry{}, false, TierNone
	}
	e, ok := c.local.Get(key)
	if !ok {
		observability.IncCacheResult(TierLocal, "miss")
		return Entry{}, false, TierLocal
	}
	if e.Expired(c.now()) {
		c.local.Remove(key)
		observability.IncCacheResult(TierLocal, "miss")
		return Entry{}, false, TierLocal
	}
	observability.IncCacheResult(TierLocal, "hit")
	return e, true, TierLocal
}

// Put stores e under key with the TTL of class and returns the entry as
// stored. The Redis write is best effort and runs on a context detached from
// ctx's cancellation, so an aborted request cannot cut another write short.
func (c *Cache) Put(ctx context.Context, key string, e Entry, class Class) Entry {
	now := c.now()
	tileset := ""
	if p, ok := keys.Parse(key); ok {
		tileset = p.TilesetID
		if e.SourceVersion == 0 {
			e.SourceVersion = p.Gen
		}
	}
	ttl := c.ttls.For(class, tileset)
	e.Key = key
	e.CreatedAt = now
	e.ExpiresAt = time.Time{}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}

	if c.local != nil {
		c.local.Add(key, e)
	}
	if c.remote != nil {
		b, _ := e.MarshalBinary()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opTimeout)
		defer cancel()
		if err := c.remote.Set(wctx, key, b, ttl); err != nil {
			c.log.Warn("tile cache: redis write failed", "key", key, "class", class.String(), "err", err)
		}
	}
	return e
}

// GetOrCompute returns the cached entry for key or runs fn once per key
// across concurrent callers in this process and stores its result. fn runs
// on a context detached from every caller: a caller whose ctx ends stops
// waiting, the others still receive the entry and it is still stored.
func (c *Cache) GetOrCompute(ctx context.Context, key string, class Class, fn func(context.Context) (Entry, error)) (Lookup, error) {
	if e, ok, tier := c.get(ctx, key); ok {
		return Lookup{Entry: e, Hit: true, Tier: tier}, nil
	}
	if err := ctx.Err(); err != nil {
		return Lookup{}, err
	}

	ch := c.flight.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.computeTimeout)
		defer cancel()
		e, err := fn(fctx)
		if err != nil {
			return Entry{}, err
		}
		return c.Put(fctx, key, e, class), nil
	})
	select {
	case <-ctx.Done():
		return Lookup{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Lookup{}, res.Err
		}
		return Lookup{Entry: res.Val.(Entry), Tier: TierNone, Shared: res.Shared}, nil
	}
}

// Generation returns the current generation for tilesetID, the larger of the
// Redis counter and this process's mirror.
func (c *Cache) Generation(ctx context.Context, tilesetID string) int64 {
	if c.remote != nil {
		n, err := c.remote.GetInt(ctx, keys.Generation(tilesetID))
		if err == nil {
			return c.raise(tilesetID, n)
		}
		c.log.Debug("tile cache: generation read failed, using local mirror", "tileset", tilesetID, "err", err)
	}
	return c.mirror(tilesetID)
}

// BumpGeneration increments the generation for tilesetID and returns the new
// value. When Redis is unavailable the local mirror still advances.
func (c *Cache) BumpGeneration(ctx context.Context, tilesetID string) int64 {
	var next int64
	if c.remote != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opTimeout)
		defer cancel()
		k := keys.Generation(tilesetID)
		n, err := c.remote.Incr(wctx, k)
		if err == nil && n <= c.mirror(tilesetID) {
			// Redis lost the counter; carry the mirror forward
			n, err = c.remote.SetMax(wctx, k, c.mirror(tilesetID)+1)
		}
		if err == nil {
			next = n
		} else {
			c.log.Warn("tile cache: generation bump not shared", "tileset", tilesetID, "err", err)
		}
	}

	c.mu.Lock()
	if cur := c.gens[tilesetID]; next <= cur {
		next = cur + 1
	}
	c.gens[tilesetID] = next
	c.mu.Unlock()

	observability.IncInvalidation("local")
	c.sweepLocal(staleGenerations{tileset: keys.ID(tilesetID), current: next})
	return next
}

// ObserveGeneration applies a generation learned elsewhere (another instance
// or the store). It only ever raises the mirror and reports whether it did.
func (c *Cache) ObserveGeneration(tilesetID string, gen int64) bool {
	c.mu.Lock()
	cur := c.gens[tilesetID]
	if gen <= cur {
		c.mu.Unlock()
		return false
	}
	c.gens[tilesetID] = gen
	c.mu.Unlock()
	c.sweepLocal(staleGenerations{tileset: keys.ID(tilesetID), current: gen})
	return true
}

func (c *Cache) mirror(tilesetID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[tilesetID]
}

func (c *Cache) raise(tilesetID string, n int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.gens[tilesetID] {
		c.gens[tilesetID] = n
	}
	return c.gens[tilesetID]
}

// Ping reports whether the Redis tier is reachable. A cache without Redis is
// always ready.
func (c *Cache) Ping(ctx context.Context) error {
	if c.remote == nil {
		return nil
	}
	return c.remote.Ping(ctx)
}

// LocalLen is the number of entries in the in-process tier.
func (c *Cache) LocalLen() int {
	if c.local == nil {
		return 0
	}
	return c.local.Len()
}

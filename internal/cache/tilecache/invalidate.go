package tilecache

import (
	"context"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/keys"
)

// Predicate selects keys to drop. Prefixes lists the Redis key prefixes to
// sweep; a predicate without prefixes only touches the local tier.
type Predicate interface {
	Match(key string) bool
	Prefixes() []string
}

// ForTileset matches every tile and metadata entry of one tileset, whatever
// its generation.
func ForTileset(tilesetID string) Predicate {
	return tilesetPredicate{id: keys.ID(tilesetID), raw: tilesetID}
}

type tilesetPredicate struct {
	id  string
	raw string
}

func (p tilesetPredicate) Match(key string) bool {
	parsed, ok := keys.Parse(key)
	return ok && parsed.TilesetID == p.id
}

func (p tilesetPredicate) Prefixes() []string { return keys.TilesetPrefixes(p.raw) }

// KeyMatch adapts a plain function; it never sweeps Redis.
type KeyMatch func(key string) bool

func (f KeyMatch) Match(key string) bool { return f(key) }
func (KeyMatch) Prefixes() []string      { return nil }

// entries of a tileset below the current generation are unreachable
type staleGenerations struct {
	tileset string
	current int64
}

func (p staleGenerations) Match(key string) bool {
	parsed, ok := keys.Parse(key)
	return ok && parsed.TilesetID == p.tileset && parsed.Gen < p.current
}

func (staleGenerations) Prefixes() []string { return nil }

// Invalidate drops every entry matching p from both tiers and returns how
// many were removed. Redis failures are logged; the local sweep always runs.
func (c *Cache) Invalidate(ctx context.Context, p Predicate) int {
	n := c.sweepLocal(p)
	if c.remote == nil {
		return n
	}
	for _, prefix := range p.Prefixes() {
		removed, err := c.remote.DelPrefix(ctx, prefix)
		n += removed
		if err != nil {
			c.log.Warn("tile cache: redis sweep failed", "prefix", prefix, "err", err)
		}
	}
	return n
}

func (c *Cache) sweepLocal(p Predicate) int {
	if c.local == nil {
		return 0
	}
	n := 0
	for _, k := range c.local.Keys() {
		if p.Match(k) {
			if c.local.Remove(k) {
				n++
			}
		}
	}
	return n
}

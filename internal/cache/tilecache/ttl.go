package tilecache

import (
	"fmt"
	"strings"
	"time"
)

// Class groups artifacts that share a TTL policy.
type Class int

const (
	ClassTile Class = iota
	ClassTileJSON
	ClassSummary
	// ClassStatic holds catalogs that never change at runtime; no TTL.
	ClassStatic
)

func (c Class) String() string {
	switch c {
	case ClassTile:
		return "tile"
	case ClassTileJSON:
		return "tilejson"
	case ClassSummary:
		return "summary"
	case ClassStatic:
		return "static"
	default:
		return "unknown"
	}
}

type TTLs struct {
	Tile     time.Duration
	TileJSON time.Duration
	Summary  time.Duration
	// Overrides replace the tile TTL for specific tilesets.
	Overrides map[string]time.Duration
}

func DefaultTTLs() TTLs {
	return TTLs{
		Tile:     time.Hour,
		TileJSON: 5 * time.Minute,
		Summary:  time.Minute,
	}
}

// For returns the TTL for an artifact; 0 means no expiry.
func (t TTLs) For(c Class, tilesetID string) time.Duration {
	switch c {
	case ClassTile:
		if d, ok := t.Overrides[tilesetID]; ok {
			return d
		}
		return t.Tile
	case ClassTileJSON:
		return t.TileJSON
	case ClassSummary:
		return t.Summary
	default:
		return 0
	}
}

// ParseOverrides reads "tilesetA=10m,tilesetB=30s".
func ParseOverrides(s string) (map[string]time.Duration, error) {
	out := map[string]time.Duration{}
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for pair := range strings.SplitSeq(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("ttl override %q: want tileset=duration", pair)
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("ttl override %q: %w", pair, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("ttl override %q: negative duration", pair)
		}
		out[strings.TrimSpace(k)] = d
	}
	return out, nil
}

// Package keys builds the Redis and in-process cache keys for tiles and
// tileset metadata.
//
// Tile keys look like
//
//	tile:<tileset>:g<gen>:<z>/<x>/<y>.<fmt>:<suffix>
//
// The generation segment makes every key written before a bump unreachable.
package keys

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

const (
	tilePrefix     = "tile:"
	tileJSONPrefix = "tilejson:"
	summaryPrefix  = "summary:"
	staticPrefix   = "static:"
	genPrefix      = "gen:"
)

// Tile returns the cache key for one encoded tile.
func Tile(tilesetID string, gen int64, z, x, y int, format, suffix string) string {
	var b strings.Builder
	b.Grow(64 + len(suffix))
	b.WriteString(tilePrefix)
	b.WriteString(sanitizeID(tilesetID))
	b.WriteString(":g")
	b.WriteString(strconv.FormatInt(gen, 10))
	fmt.Fprintf(&b, ":%d/%d/%d.%s", z, x, y, sanitizeID(strings.ToLower(format)))
	if suffix != "" {
		b.WriteByte(':')
		b.WriteString(suffix)
	}
	return b.String()
}

// TileJSON is the key for a tileset's TileJSON document; params covers the
// query parameters echoed into tiles[0].
func TileJSON(tilesetID string, gen int64, params string) string {
	return fmt.Sprintf("%s%s:g%d:%s", tileJSONPrefix, sanitizeID(tilesetID), gen, Hash(params))
}

func Summary(tilesetID string, gen int64) string {
	return fmt.Sprintf("%s%s:g%d", summaryPrefix, sanitizeID(tilesetID), gen)
}

// Static keys hold catalogs that never change at runtime.
func Static(name string) string { return staticPrefix + sanitizeID(name) }

// Generation is the Redis counter key for a tileset.
func Generation(tilesetID string) string { return genPrefix + sanitizeID(tilesetID) }

// TilesetPrefixes lists the key prefixes owned by tilesetID, for sweeps.
func TilesetPrefixes(tilesetID string) []string {
	id := sanitizeID(tilesetID)
	return []string{
		tilePrefix + id + ":",
		tileJSONPrefix + id + ":",
		summaryPrefix + id + ":",
	}
}

// Parsed is the tileset and generation embedded in a tile or metadata key.
type Parsed struct {
	Class     string
	TilesetID string
	Gen       int64
}

// Parse extracts the class, tileset and generation from a key built by this
// package. Static and generation keys report ok=false.
func Parse(key string) (Parsed, bool) {
	var class string
	switch {
	case strings.HasPrefix(key, tilePrefix):
		class = "tile"
	case strings.HasPrefix(key, tileJSONPrefix):
		class = "tilejson"
	case strings.HasPrefix(key, summaryPrefix):
		class = "summary"
	default:
		return Parsed{}, false
	}
	parts := strings.SplitN(key, ":", 4)
	if len(parts) < 3 || !strings.HasPrefix(parts[2], "g") {
		return Parsed{}, false
	}
	gen, err := strconv.ParseInt(parts[2][1:], 10, 64)
	if err != nil {
		return Parsed{}, false
	}
	return Parsed{Class: class, TilesetID: parts[1], Gen: gen}, true
}

// FilterPart is the suffix segment for a normalized filter expression. The
// readable part is truncated; the hash keeps long filters distinct.
func FilterPart(normal string) string {
	if normal == "" {
		return "f=none"
	}
	safe := sanitizeForKey(normal)
	const maxFilterTextLen = 96
	if len(safe) > maxFilterTextLen {
		safe = safe[:maxFilterTextLen]
	}
	return fmt.Sprintf("q=%s:f=%s", safe, Hash(normal))
}

// Hash is the 16 hex digit xxhash of s.
func Hash(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}

// ETag is a strong validator derived from the cache key and payload size.
func ETag(key string, size int) string {
	return `"` + Hash(key+"#"+strconv.Itoa(size)) + `"`
}

// Suffix joins non-empty segments with ':'.
func Suffix(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ":")
}

func sanitizeForKey(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '=' || r == '.' || r == ',':
			out = r
		default:
			// Any other rune (including non-ASCII and ':') becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

// ID is the form a tileset id takes inside keys. Distinct ids always give
// distinct forms.
func ID(tilesetID string) string { return sanitizeID(tilesetID) }

// sanitizeID keeps [A-Za-z0-9_.-] and writes every other byte as ~xx, so the
// mapping is reversible and ids never contain ':' (Parse splits on it) or
// Redis glob characters. The empty id is a bare "~", which no escape
// produces.
func sanitizeID(s string) string {
	if s == "" {
		return "~"
	}
	const hexDigits = "0123456789abcdef"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < utf8.RuneSelf && (isAlphaNum(rune(c)) || c == '_' || c == '-' || c == '.') {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('~')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}

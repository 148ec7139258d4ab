package encoder

import (
	"context"
	"fmt"
	"net/url"

	"github.com/mohammed-shakir/geotile-cache/internal/archive/mbtiles"
	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/retry"
)

// archiveKind serves pre-built tiles as stored; nothing is simplified or
// re-encoded.
type archiveKind struct {
	set      *Set
	archives *mbtiles.Dir
}

func (*archiveKind) kind() model.Kind { return model.KindArchive }

func (*archiveKind) CacheKeySuffix(Request) string { return "a" }

func (*archiveKind) DefaultFormat(ts model.Tileset) string { return archiveFormat(ts) }

func (*archiveKind) CountsFeatures() bool { return false }

func archiveFormat(ts model.Tileset) string {
	if f := normalizeFormat(ts.Format); f != "" {
		return f
	}
	return "pbf"
}

func contentTypeFor(format string) string {
	switch format {
	case "pbf", "mvt":
		return contentTypeMVT
	case "png":
		return "image/png"
	case "jpg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

func (k *archiveKind) Encode(ctx context.Context, r Request) (Tile, error) {
	format := archiveFormat(r.Tileset)
	if req := normalizeFormat(r.Format); req != "" && req != format {
		return Tile{}, fmt.Errorf("archive %q holds %s tiles, not %s: %w", r.Tileset.ID, format, req, errs.ErrNotFound)
	}
	source := r.Tileset.Source
	if source == "" {
		source = r.Tileset.ID
	}
	data, err := retry.Do(ctx, k.set.policy.Named("archive_read"), func(ctx context.Context) ([]byte, error) {
		a, err := k.archives.Archive(ctx, source)
		if err != nil {
			return nil, err
		}
		return a.Tile(ctx, r.Coord)
	})
	if err != nil {
		return Tile{}, err
	}
	t := Tile{Data: data, ContentType: contentTypeFor(format)}
	if mbtiles.IsGzip(data) {
		t.ContentEncoding = "gzip"
	}
	return t, nil
}

func (*archiveKind) DescribeForTileJSON(ts model.Tileset, baseURL string, params url.Values) Description {
	format := archiveFormat(ts)
	d := Description{
		Tiles:  []string{tileURL(baseURL, "/tiles/archive/"+url.PathEscape(ts.ID), format, params)},
		Format: format,
	}
	if format == "pbf" || format == "mvt" {
		d.VectorLayers = []VectorLayer{{ID: ts.LayerName(), Fields: map[string]string{}, MinZoom: ts.MinZoom, MaxZoom: ts.MaxZoom}}
	}
	return d
}

package encoder

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"net/url"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/raster"
	"github.com/mohammed-shakir/geotile-cache/internal/retry"
)

type rasterKind struct {
	set     *Set
	rasters *raster.Registry
}

func (*rasterKind) kind() model.Kind { return model.KindRaster }

func (*rasterKind) DefaultFormat(ts model.Tileset) string {
	if normalizeFormat(ts.Format) == "jpg" {
		return "jpg"
	}
	return "png"
}

func (*rasterKind) CountsFeatures() bool { return false }

func (*rasterKind) CacheKeySuffix(r Request) string {
	parts := []string{}
	if len(r.Bands) > 0 {
		bs := make([]string, len(r.Bands))
		for i, b := range r.Bands {
			bs[i] = strconv.Itoa(b)
		}
		parts = append(parts, "b="+strings.Join(bs, "-"))
	}
	if r.ScaleMin != nil {
		parts = append(parts, "smin="+strconv.FormatFloat(*r.ScaleMin, 'g', -1, 64))
	}
	if r.ScaleMax != nil {
		parts = append(parts, "smax="+strconv.FormatFloat(*r.ScaleMax, 'g', -1, 64))
	}
	if r.Colormap != "" {
		parts = append(parts, "cm="+keys.ID(r.Colormap))
	}
	if len(parts) == 0 {
		return "raw"
	}
	return keys.Suffix(parts...)
}

func (k *rasterKind) Encode(ctx context.Context, r Request) (Tile, error) {
	format := normalizeFormat(r.Format)
	if format == "" {
		format = "png"
	}
	if format != "png" && format != "jpg" {
		return Tile{}, fmt.Errorf("raster tiles are png or jpg, not %q: %w", r.Format, errs.ErrInvalid)
	}
	if r.Colormap != "" {
		if _, ok := raster.LookupColormap(r.Colormap); !ok {
			return Tile{}, fmt.Errorf("unknown colormap %q: %w", r.Colormap, errs.ErrInvalid)
		}
	}
	source := r.Tileset.Source
	if source == "" {
		source = r.Tileset.ID
	}
	rd, err := k.rasters.Reader(source)
	if err != nil {
		return Tile{}, err
	}

	win := raster.Window{Bounds: boundsOf(r.Coord), Width: k.set.tileSize, Height: k.set.tileSize, Bands: r.Bands}
	data, err := retry.Do(ctx, k.set.policy.Named("raster_read"), func(ctx context.Context) (raster.Data, error) {
		return rd.ReadWindow(ctx, win)
	})
	if err != nil {
		return Tile{}, err
	}
	img, err := raster.Render(data, raster.RenderOptions{ScaleMin: r.ScaleMin, ScaleMax: r.ScaleMax, Colormap: r.Colormap})
	if err != nil {
		return Tile{}, err
	}

	var buf bytes.Buffer
	ct := "image/png"
	if format == "jpg" {
		ct = "image/jpeg"
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85})
	} else {
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return Tile{}, fmt.Errorf("encode %s tile %s: %w", format, r.Coord, err)
	}
	return Tile{Data: buf.Bytes(), ContentType: ct}, nil
}

func (k *rasterKind) DescribeForTileJSON(ts model.Tileset, baseURL string, params url.Values) Description {
	format := k.DefaultFormat(ts)
	return Description{
		Tiles:  []string{tileURL(baseURL, "/tiles/raster/"+url.PathEscape(ts.ID), format, params)},
		Format: format,
	}
}

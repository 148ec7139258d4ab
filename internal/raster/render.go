package raster

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
)

// RenderOptions controls how band values become pixels.
type RenderOptions struct {
	ScaleMin *float64
	ScaleMax *float64
	Colormap string
}

// Render turns window data into an image.
//
// Three or more bands render as RGB from the first three. Without an explicit
// scale, data already inside 0..255 is used as is and anything else is
// stretched from the window min/max. A single band renders as grey over its
// window range (or the explicit scale) unless a colormap is named.
func Render(d Data, o RenderOptions) (image.Image, error) {
	if len(d.Bands) == 0 || d.Width <= 0 || d.Height <= 0 {
		return nil, fmt.Errorf("empty raster window: %w", errs.ErrInvalid)
	}
	var cmap *Colormap
	if o.Colormap != "" {
		c, ok := LookupColormap(o.Colormap)
		if !ok {
			return nil, fmt.Errorf("unknown colormap %q: %w", o.Colormap, errs.ErrInvalid)
		}
		cmap = &c
	}
	used := d.Bands[:1]
	if len(d.Bands) >= 3 && cmap == nil {
		used = d.Bands[:3]
	}
	for i, band := range used {
		if len(band) < d.Width*d.Height {
			return nil, fmt.Errorf("raster band %d holds %d values, window needs %dx%d: %w",
				i+1, len(band), d.Width, d.Height, errs.ErrInvalid)
		}
	}
	img := image.NewNRGBA(image.Rect(0, 0, d.Width, d.Height))

	if len(used) == 3 {
		lo, hi := scaleRange(d, d.Bands[:3], o, true)
		for i := 0; i < d.Width*d.Height; i++ {
			r, g, b := d.Bands[0][i], d.Bands[1][i], d.Bands[2][i]
			if d.isNoData(r) && d.isNoData(g) && d.isNoData(b) {
				continue
			}
			img.SetNRGBA(i%d.Width, i/d.Width, color.NRGBA{
				R: to8(r, lo, hi), G: to8(g, lo, hi), B: to8(b, lo, hi), A: 255,
			})
		}
		return img, nil
	}

	band := d.Bands[0]
	lo, hi := scaleRange(d, d.Bands[:1], o, false)
	for i := 0; i < d.Width*d.Height; i++ {
		v := band[i]
		if d.isNoData(v) {
			continue
		}
		x, y := i%d.Width, i/d.Width
		if cmap != nil {
			img.SetNRGBA(x, y, cmap.At(norm(v, lo, hi)))
			continue
		}
		g := to8(v, lo, hi)
		img.SetNRGBA(x, y, color.NRGBA{R: g, G: g, B: g, A: 255})
	}
	return img, nil
}

// scaleRange picks the value range mapped onto 0..255.
func scaleRange(d Data, bands [][]float64, o RenderOptions, rgb bool) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, b := range bands {
		for _, v := range b {
			if d.isNoData(v) {
				continue
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	if math.IsInf(lo, 1) {
		lo, hi = 0, 255
	}
	explicit := o.ScaleMin != nil || o.ScaleMax != nil
	if rgb && !explicit && lo >= 0 && hi <= 255 {
		return 0, 255
	}
	if o.ScaleMin != nil {
		lo = *o.ScaleMin
	}
	if o.ScaleMax != nil {
		hi = *o.ScaleMax
	}
	return lo, hi
}

func norm(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	t := (v - lo) / (hi - lo)
	return math.Max(0, math.Min(1, t))
}

func to8(v, lo, hi float64) uint8 {
	return uint8(math.Round(norm(v, lo, hi) * 255))
}

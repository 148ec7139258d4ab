package raster

import (
	"image/color"
	"sort"
)

// Stop is a colormap control point at position At in [0,1].
type Stop struct {
	At    float64
	Color color.NRGBA
}

type Colormap struct {
	Name  string
	Stops []Stop
}

// At interpolates the colormap at t, clamped to [0,1].
func (c Colormap) At(t float64) color.NRGBA {
	if len(c.Stops) == 0 {
		return color.NRGBA{}
	}
	if t <= c.Stops[0].At {
		return c.Stops[0].Color
	}
	last := c.Stops[len(c.Stops)-1]
	if t >= last.At {
		return last.Color
	}
	i := sort.Search(len(c.Stops), func(i int) bool { return c.Stops[i].At >= t })
	lo, hi := c.Stops[i-1], c.Stops[i]
	f := (t - lo.At) / (hi.At - lo.At)
	lerp := func(a, b uint8) uint8 { return uint8(float64(a) + f*(float64(b)-float64(a)) + 0.5) }
	return color.NRGBA{
		R: lerp(lo.Color.R, hi.Color.R),
		G: lerp(lo.Color.G, hi.Color.G),
		B: lerp(lo.Color.B, hi.Color.B),
		A: lerp(lo.Color.A, hi.Color.A),
	}
}

func rgb(r, g, b uint8) color.NRGBA { return color.NRGBA{R: r, G: g, B: b, A: 255} }

var colormaps = map[string]Colormap{
	"greys": {Name: "greys", Stops: []Stop{
		{0, rgb(0, 0, 0)}, {1, rgb(255, 255, 255)},
	}},
	"viridis": {Name: "viridis", Stops: []Stop{
		{0, rgb(68, 1, 84)}, {0.25, rgb(59, 82, 139)}, {0.5, rgb(33, 145, 140)},
		{0.75, rgb(94, 201, 98)}, {1, rgb(253, 231, 37)},
	}},
	"magma": {Name: "magma", Stops: []Stop{
		{0, rgb(0, 0, 4)}, {0.25, rgb(81, 18, 124)}, {0.5, rgb(183, 55, 121)},
		{0.75, rgb(252, 137, 97)}, {1, rgb(252, 253, 191)},
	}},
	"terrain": {Name: "terrain", Stops: []Stop{
		{0, rgb(51, 51, 153)}, {0.15, rgb(0, 153, 255)}, {0.25, rgb(0, 204, 102)},
		{0.5, rgb(255, 255, 153)}, {0.75, rgb(128, 92, 84)}, {1, rgb(255, 255, 255)},
	}},
}

func LookupColormap(name string) (Colormap, bool) {
	c, ok := colormaps[name]
	return c, ok
}

// ColormapNames lists the catalog in a stable order.
func ColormapNames() []string {
	out := make([]string, 0, len(colormaps))
	for n := range colormaps {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

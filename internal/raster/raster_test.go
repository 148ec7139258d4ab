package raster

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
)

func f64(v float64) *float64 { return &v }

func TestRender_RGBAutoScale(t *testing.T) {
	d := Data{Width: 2, Height: 1, Bands: [][]float64{{0, 255}, {128, 64}, {255, 0}}}
	img, err := Render(d, RenderOptions{})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	got := img.(*image.NRGBA).NRGBAAt(0, 0)
	if got != (color.NRGBA{R: 0, G: 128, B: 255, A: 255}) {
		t.Fatalf("0..255 data should pass through unchanged, got %+v", got)
	}

	wide := Data{Width: 2, Height: 1, Bands: [][]float64{{0, 4000}, {0, 4000}, {2000, 4000}}}
	img, _ = Render(wide, RenderOptions{})
	got = img.(*image.NRGBA).NRGBAAt(1, 0)
	if got.R != 255 || got.G != 255 || got.B != 255 {
		t.Fatalf("out of range data should be stretched to window max, got %+v", got)
	}
	got = img.(*image.NRGBA).NRGBAAt(0, 0)
	if got.B != 128 {
		t.Fatalf("midpoint should stretch to 128, got %+v", got)
	}
}

func TestRender_SingleBandRawAndExplicitScale(t *testing.T) {
	d := Data{Width: 3, Height: 1, Bands: [][]float64{{100, 150, 200}}}
	img, _ := Render(d, RenderOptions{})
	px := img.(*image.NRGBA)
	if px.NRGBAAt(0, 0).R != 0 || px.NRGBAAt(2, 0).R != 255 || px.NRGBAAt(1, 0).R != 128 {
		t.Fatalf("raw scale should span window min/max: %v %v %v", px.NRGBAAt(0, 0), px.NRGBAAt(1, 0), px.NRGBAAt(2, 0))
	}

	img, _ = Render(d, RenderOptions{ScaleMin: f64(0), ScaleMax: f64(200)})
	if v := img.(*image.NRGBA).NRGBAAt(0, 0).R; v != 128 {
		t.Fatalf("explicit scale: got %d want 128", v)
	}
}

func TestRender_ColormapAndNoData(t *testing.T) {
	d := Data{Width: 3, Height: 1, Bands: [][]float64{{0, -9999, 10}}, NoData: -9999, HasNoData: true}
	img, err := Render(d, RenderOptions{Colormap: "viridis"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	px := img.(*image.NRGBA)
	cm, _ := LookupColormap("viridis")
	if px.NRGBAAt(0, 0) != cm.Stops[0].Color || px.NRGBAAt(2, 0) != cm.Stops[len(cm.Stops)-1].Color {
		t.Fatalf("colormap endpoints wrong: %v %v", px.NRGBAAt(0, 0), px.NRGBAAt(2, 0))
	}
	if px.NRGBAAt(1, 0).A != 0 {
		t.Fatalf("nodata must be transparent")
	}

	if _, err := Render(d, RenderOptions{Colormap: "rainbow"}); errs.ClassOf(err) != errs.ClassInvalid {
		t.Fatalf("unknown colormap should be invalid, got %v", err)
	}
}

func TestRender_ShortBandsAreInvalidNotAPanic(t *testing.T) {
	cases := []struct {
		name string
		d    Data
		o    RenderOptions
	}{
		{"single band short", Data{Width: 2, Height: 2, Bands: [][]float64{{1, 2, 3}}}, RenderOptions{}},
		{"colormap band short", Data{Width: 3, Height: 1, Bands: [][]float64{{1}}}, RenderOptions{Colormap: "greys"}},
		{"green band short", Data{Width: 2, Height: 1, Bands: [][]float64{{0, 1}, {0}, {0, 1}}}, RenderOptions{}},
		{"blue band nil", Data{Width: 1, Height: 1, Bands: [][]float64{{0}, {0}, nil}}, RenderOptions{}},
	}
	for _, tc := range cases {
		img, err := Render(tc.d, tc.o)
		if errs.ClassOf(err) != errs.ClassInvalid || img != nil {
			t.Fatalf("%s: img=%v err=%v", tc.name, img, err)
		}
	}

	// with a colormap only the first band is read
	d := Data{Width: 2, Height: 1, Bands: [][]float64{{0, 1}, {0}, {}}}
	if _, err := Render(d, RenderOptions{Colormap: "greys"}); err != nil {
		t.Fatalf("colormap render over a full first band: %v", err)
	}
}

func TestColormap_InterpolatesBetweenStops(t *testing.T) {
	cm, _ := LookupColormap("greys")
	if got := cm.At(0.5); got.R != 128 {
		t.Fatalf("greys midpoint=%v", got)
	}
	if cm.At(-1) != cm.Stops[0].Color || cm.At(2) != cm.Stops[1].Color {
		t.Fatalf("At must clamp")
	}
	names := ColormapNames()
	if len(names) != 4 || names[0] != "greys" {
		t.Fatalf("names=%v", names)
	}
}

func TestMemReader_WindowAndBands(t *testing.T) {
	r := NewMemReader(3, model.WorldBounds, func(lon, lat float64, band int) float64 {
		return float64(band) * 10
	})
	d, err := r.ReadWindow(context.Background(), Window{Bounds: model.BBox{X1: 0, Y1: 0, X2: 1, Y2: 1}, Width: 4, Height: 4, Bands: []int{3}})
	if err != nil {
		t.Fatalf("ReadWindow: %v", err)
	}
	if len(d.Bands) != 1 || d.Bands[0][5] != 30 {
		t.Fatalf("unexpected data: %+v", d)
	}
	if _, err := r.ReadWindow(context.Background(), Window{Width: 1, Height: 1, Bands: []int{4}}); errs.ClassOf(err) != errs.ClassInvalid {
		t.Fatalf("bad band should be invalid: %v", err)
	}
}

func TestImageFileReader_SamplesAndOutside(t *testing.T) {
	dir := t.TempDir()
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255}) // north-west
	img.SetNRGBA(1, 0, color.NRGBA{G: 255, A: 255})
	img.SetNRGBA(0, 1, color.NRGBA{B: 255, A: 255})
	img.SetNRGBA(1, 1, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	f, err := os.Create(filepath.Join(dir, "quad.png"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("png: %v", err)
	}
	_ = f.Close()
	sc, _ := json.Marshal(map[string]any{"bounds": []float64{0, 0, 10, 10}})
	if err := os.WriteFile(filepath.Join(dir, "quad.json"), sc, 0o600); err != nil {
		t.Fatalf("sidecar: %v", err)
	}

	reg := NewRegistry(DirOpener(dir))
	rd, err := reg.Reader("quad")
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	again, _ := reg.Reader("quad")
	if again != rd {
		t.Fatalf("registry should reuse readers")
	}

	d, err := rd.ReadWindow(context.Background(), Window{Bounds: model.BBox{X1: 0, Y1: 0, X2: 20, Y2: 10}, Width: 4, Height: 2})
	if err != nil {
		t.Fatalf("ReadWindow: %v", err)
	}
	if len(d.Bands) != 3 {
		t.Fatalf("bands=%d want 3", len(d.Bands))
	}
	if d.Bands[0][0] != 255 || d.Bands[1][1] != 255 {
		t.Fatalf("north row samples wrong: r=%v g=%v", d.Bands[0][:2], d.Bands[1][:2])
	}
	if !math.IsNaN(d.Bands[0][2]) {
		t.Fatalf("cells east of the image must be NaN, got %v", d.Bands[0][2])
	}

	if _, err := reg.Reader("missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("missing source: %v", err)
	}
}

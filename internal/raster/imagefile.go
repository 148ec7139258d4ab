package raster

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
)

// sidecar is the JSON file next to an image that georeferences it.
type sidecar struct {
	Bounds []float64 `json:"bounds"`
	Bands  int       `json:"bands"`
	NoData *float64  `json:"nodata"`
}

// ImageFileReader serves windows from a georeferenced PNG or JPEG held in
// memory. The image covers sidecar bounds in plate carree.
type ImageFileReader struct {
	img   image.Image
	info  Info
	gray  bool
	alpha bool
}

// DirOpener resolves a source name to <dir>/<name>.png|.jpg plus
// <dir>/<name>.json.
func DirOpener(dir string) Opener {
	return func(source string) (Reader, error) {
		name := filepath.Base(filepath.Clean(source))
		name = strings.TrimSuffix(name, filepath.Ext(name))
		for _, ext := range []string{".png", ".jpg", ".jpeg"} {
			p := filepath.Join(dir, name+ext)
			if _, err := os.Stat(p); err == nil {
				return OpenImageFile(p, filepath.Join(dir, name+".json"))
			}
		}
		return nil, fmt.Errorf("raster %q in %s: %w", source, dir, errs.ErrNotFound)
	}
}

func OpenImageFile(imagePath, sidecarPath string) (*ImageFileReader, error) {
	raw, err := os.ReadFile(sidecarPath)
	if err != nil {
		return nil, fmt.Errorf("read sidecar: %w", err)
	}
	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("parse sidecar %s: %w", sidecarPath, err)
	}
	if len(sc.Bounds) != 4 {
		return nil, fmt.Errorf("sidecar %s: bounds must have 4 numbers", sidecarPath)
	}

	f, err := os.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("open raster image: %w", err)
	}
	defer func() { _ = f.Close() }()
	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode raster image %s: %w", imagePath, err)
	}

	r := &ImageFileReader{img: img}
	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		r.gray = true
	}
	r.alpha = format == "png" && !r.gray
	bands := sc.Bands
	if bands == 0 {
		bands = 3
		if r.gray {
			bands = 1
		}
	}
	r.info = Info{
		BandCount: bands,
		Bounds:    model.BBox{X1: sc.Bounds[0], Y1: sc.Bounds[1], X2: sc.Bounds[2], Y2: sc.Bounds[3]},
		NoData:    sc.NoData,
	}
	return r, nil
}

func (r *ImageFileReader) Info(context.Context) (Info, error) { return r.info, nil }

// ReadWindow samples the nearest source pixel for every output cell. Cells
// outside the image bounds (or fully transparent) read as NaN.
func (r *ImageFileReader) ReadWindow(ctx context.Context, w Window) (Data, error) {
	if err := ctx.Err(); err != nil {
		return Data{}, err
	}
	bands, err := w.validate(r.info.BandCount)
	if err != nil {
		return Data{}, err
	}
	d := Data{Width: w.Width, Height: w.Height, Bands: make([][]float64, len(bands))}
	if r.info.NoData != nil {
		d.NoData, d.HasNoData = *r.info.NoData, true
	}
	for i := range d.Bands {
		d.Bands[i] = make([]float64, w.Width*w.Height)
	}

	src := r.img.Bounds()
	ib := r.info.Bounds
	sx := float64(src.Dx()) / (ib.X2 - ib.X1)
	sy := float64(src.Dy()) / (ib.Y2 - ib.Y1)
	dx := (w.Bounds.X2 - w.Bounds.X1) / float64(w.Width)
	dy := (w.Bounds.Y2 - w.Bounds.Y1) / float64(w.Height)

	for row := 0; row < w.Height; row++ {
		lat := w.Bounds.Y2 - (float64(row)+0.5)*dy
		py := src.Min.Y + int(math.Floor((ib.Y2-lat)*sy))
		for col := 0; col < w.Width; col++ {
			lon := w.Bounds.X1 + (float64(col)+0.5)*dx
			px := src.Min.X + int(math.Floor((lon-ib.X1)*sx))
			i := row*w.Width + col
			if px < src.Min.X || px >= src.Max.X || py < src.Min.Y || py >= src.Max.Y {
				for bi := range bands {
					d.Bands[bi][i] = math.NaN()
				}
				continue
			}
			c := color.NRGBAModel.Convert(r.img.At(px, py)).(color.NRGBA)
			if r.alpha && c.A == 0 {
				for bi := range bands {
					d.Bands[bi][i] = math.NaN()
				}
				continue
			}
			for bi, b := range bands {
				d.Bands[bi][i] = channel(c, b)
			}
		}
	}
	return d, nil
}

func channel(c color.NRGBA, band int) float64 {
	switch band {
	case 1:
		return float64(c.R)
	case 2:
		return float64(c.G)
	case 3:
		return float64(c.B)
	default:
		return float64(c.A)
	}
}

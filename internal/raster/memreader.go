package raster

import (
	"context"
	"sync/atomic"

	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
)

// SampleFunc returns the value of band (1-based) at lon/lat.
type SampleFunc func(lon, lat float64, band int) float64

// MemReader synthesizes values from a function. It backs tests and demo
// tilesets.
type MemReader struct {
	info   Info
	sample SampleFunc
	// Reads counts ReadWindow calls.
	Reads atomic.Int64
	// Fail, when set, is returned by ReadWindow before any sampling.
	Fail error
}

func NewMemReader(bands int, bounds model.BBox, sample SampleFunc) *MemReader {
	return &MemReader{info: Info{BandCount: bands, Bounds: bounds}, sample: sample}
}

func (m *MemReader) Info(context.Context) (Info, error) { return m.info, nil }

func (m *MemReader) ReadWindow(ctx context.Context, w Window) (Data, error) {
	m.Reads.Add(1)
	if m.Fail != nil {
		return Data{}, m.Fail
	}
	if err := ctx.Err(); err != nil {
		return Data{}, err
	}
	bands, err := w.validate(m.info.BandCount)
	if err != nil {
		return Data{}, err
	}
	d := Data{Width: w.Width, Height: w.Height, Bands: make([][]float64, len(bands))}
	dx := (w.Bounds.X2 - w.Bounds.X1) / float64(w.Width)
	dy := (w.Bounds.Y2 - w.Bounds.Y1) / float64(w.Height)
	for bi, b := range bands {
		vals := make([]float64, w.Width*w.Height)
		for row := 0; row < w.Height; row++ {
			lat := w.Bounds.Y2 - (float64(row)+0.5)*dy
			for col := 0; col < w.Width; col++ {
				lon := w.Bounds.X1 + (float64(col)+0.5)*dx
				vals[row*w.Width+col] = m.sample(lon, lat, b)
			}
		}
		d.Bands[bi] = vals
	}
	return d, nil
}

// Package raster defines the windowed raster reader the tile encoder renders
// from, plus the scaling and colormap rules applied to raw band values.
package raster

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
)

// Window asks for a Width x Height grid covering Bounds. Bands are 1-based
// band indexes; empty means all bands.
type Window struct {
	Bounds model.BBox
	Width  int
	Height int
	Bands  []int
}

// Data is a read window: one row-major []float64 per requested band.
// Cells equal to NoData (when HasNoData) are rendered transparent.
type Data struct {
	Width     int
	Height    int
	Bands     [][]float64
	NoData    float64
	HasNoData bool
}

func (d Data) isNoData(v float64) bool {
	return math.IsNaN(v) || (d.HasNoData && v == d.NoData)
}

type Info struct {
	BandCount int
	Bounds    model.BBox
	NoData    *float64
}

type Reader interface {
	Info(ctx context.Context) (Info, error)
	ReadWindow(ctx context.Context, w Window) (Data, error)
}

// Opener turns a tileset source string into a Reader.
type Opener func(source string) (Reader, error)

// Registry caches one Reader per source.
type Registry struct {
	open Opener

	mu      sync.Mutex
	readers map[string]Reader
}

func NewRegistry(open Opener) *Registry {
	return &Registry{open: open, readers: map[string]Reader{}}
}

// Register pins a reader for source, bypassing the opener.
func (r *Registry) Register(source string, rd Reader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readers[source] = rd
}

func (r *Registry) Reader(source string) (Reader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rd, ok := r.readers[source]; ok {
		return rd, nil
	}
	if r.open == nil {
		return nil, fmt.Errorf("raster source %q: %w", source, errs.ErrNotFound)
	}
	rd, err := r.open(source)
	if err != nil {
		return nil, fmt.Errorf("open raster source %q: %w", source, err)
	}
	r.readers[source] = rd
	return rd, nil
}

func (w Window) validate(bandCount int) ([]int, error) {
	if w.Width <= 0 || w.Height <= 0 {
		return nil, fmt.Errorf("raster window %dx%d: %w", w.Width, w.Height, errs.ErrInvalid)
	}
	bands := w.Bands
	if len(bands) == 0 {
		bands = make([]int, bandCount)
		for i := range bands {
			bands[i] = i + 1
		}
	}
	for _, b := range bands {
		if b < 1 || b > bandCount {
			return nil, fmt.Errorf("band %d outside 1..%d: %w", b, bandCount, errs.ErrInvalid)
		}
	}
	return bands, nil
}

// Package h3mapper assigns H3 cells to feature geometries for exports.
package h3mapper

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	h3 "github.com/uber/h3-go/v4"
)

type Mapper struct{}

func New() *Mapper { return &Mapper{} }

// CellForPoint returns the H3 index (hex string) containing lon/lat at res.
func (m *Mapper) CellForPoint(lon, lat float64, res int) (string, error) {
	if err := validateRes(res); err != nil {
		return "", err
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return "", fmt.Errorf("point %g,%g outside EPSG:4326 range", lon, lat)
	}
	c, err := h3.LatLngToCell(h3.LatLng{Lat: lat, Lng: lon}, res)
	if err != nil {
		return "", fmt.Errorf("h3 cell: %w", err)
	}
	return c.String(), nil
}

// CellForGeometry uses the point itself for points and the bound center for
// everything else.
func (m *Mapper) CellForGeometry(g orb.Geometry, res int) (string, error) {
	if g == nil {
		return "", errors.New("nil geometry")
	}
	var p orb.Point
	switch t := g.(type) {
	case orb.Point:
		p = t
	default:
		b := g.Bound()
		if b.Min.X() > b.Max.X() || b.Min.Y() > b.Max.Y() {
			return "", errors.New("empty geometry")
		}
		p = b.Center()
	}
	return m.CellForPoint(p.X(), p.Y(), res)
}

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

// Package simplify picks a Douglas-Peucker tolerance from the requested zoom.
package simplify

import (
	"math"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
)

// DefaultBaseResolution is one 256px tile pixel at zoom 0, in degrees.
const DefaultBaseResolution = 360.0 / 256.0

// ToleranceFor returns the simplification tolerance in degrees for zoom.
// It is roughly one pixel at that zoom, scaled down linearly so that it hits
// zero at maxZoom. Non-increasing in zoom; pure.
func ToleranceFor(zoom, maxZoom int, baseResolution float64) float64 {
	if maxZoom <= 0 || baseResolution <= 0 || zoom >= maxZoom {
		return 0
	}
	if zoom < 0 {
		zoom = 0
	}
	pixel := baseResolution / math.Exp2(float64(zoom))
	return pixel * float64(maxZoom-zoom) / float64(maxZoom)
}

// Simplification is either disabled or a concrete tolerance. Disabled is not
// the same as Tolerance(0): a disabled request also bypasses the stored
// pre-simplified geometry.
type Simplification struct {
	enabled   bool
	tolerance float64
}

func Disabled() Simplification { return Simplification{} }

func Tolerance(t float64) Simplification {
	if t < 0 || math.IsNaN(t) {
		t = 0
	}
	return Simplification{enabled: true, tolerance: t}
}

// ForZoom is Tolerance(ToleranceFor(...)).
func ForZoom(zoom, maxZoom int, baseResolution float64) Simplification {
	return Tolerance(ToleranceFor(zoom, maxZoom, baseResolution))
}

func (s Simplification) Enabled() bool { return s.enabled }

func (s Simplification) Value() float64 { return s.tolerance }

// UsePrecomputed reports whether the store may serve its pre-simplified
// geometry column instead of the full one.
func (s Simplification) UsePrecomputed() bool { return s.enabled && s.tolerance > 0 }

// KeyPart is the cache key segment for this simplification state.
func (s Simplification) KeyPart() string {
	if !s.enabled {
		return "s=off"
	}
	return "s=" + strconv.FormatFloat(s.tolerance, 'g', 6, 64)
}

func (s Simplification) String() string { return s.KeyPart() }

// Apply simplifies g in place and returns it. Points and disabled or zero
// tolerance states are returned unchanged.
func Apply(g orb.Geometry, s Simplification) orb.Geometry {
	if g == nil || !s.enabled || s.tolerance <= 0 {
		return g
	}
	switch g.(type) {
	case orb.Point, orb.MultiPoint:
		return g
	}
	return simplify.DouglasPeucker(s.tolerance).Simplify(g)
}

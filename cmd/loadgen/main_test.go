package main

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/paulmach/orb/maptile"
)

func TestMakeTiles_DistinctWithinZoomRange(t *testing.T) {
	tiles := makeTiles(64, 12, 14, rand.New(rand.NewSource(7)))
	if len(tiles) == 0 || len(tiles) > 64 {
		t.Fatalf("pool size=%d", len(tiles))
	}
	seen := map[maptile.Tile]bool{}
	for _, tl := range tiles {
		if tl.Z < 12 || tl.Z > 14 {
			t.Fatalf("zoom out of range: %+v", tl)
		}
		if seen[tl] {
			t.Fatalf("duplicate tile %+v", tl)
		}
		seen[tl] = true
	}
}

func TestMakeTiles_SwappedZoomBounds(t *testing.T) {
	for _, tl := range makeTiles(16, 10, 8, rand.New(rand.NewSource(1))) {
		if tl.Z < 8 || tl.Z > 10 {
			t.Fatalf("zoom out of range: %+v", tl)
		}
	}
}

func TestTileURL_EscapesFilter(t *testing.T) {
	cfg := Config{BaseURL: "http://h:1/", Layer: "stations", Filter: "properties.type=station;name~Tokyo"}
	u := tileURL(cfg, maptile.New(14552, 6451, 14))
	if !strings.HasPrefix(u, "http://h:1/tiles/vector/stations/14/14552/6451.pbf?filter=") {
		t.Fatalf("url=%s", u)
	}
	if strings.Contains(u, ";") {
		t.Fatalf("filter not escaped: %s", u)
	}
}

func TestPercentile(t *testing.T) {
	v := []float64{1, 2, 3, 4, 5}
	if got := percentile(v, 50); got != 3 {
		t.Fatalf("p50=%v", got)
	}
	if got := percentile(v, 0); got != 1 {
		t.Fatalf("p0=%v", got)
	}
	if got := percentile(v, 100); got != 5 {
		t.Fatalf("p100=%v", got)
	}
	if got := percentile(v, 95); math.Abs(got-4.8) > 1e-9 {
		t.Fatalf("p95=%v", got)
	}
	if !math.IsNaN(percentile(nil, 50)) {
		t.Fatalf("empty input should be NaN")
	}
}

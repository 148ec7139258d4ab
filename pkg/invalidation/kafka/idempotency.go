package kafka

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// versionDedupe remembers the highest generation applied per tileset so
// replayed and reordered messages are skipped before touching the cache.
type versionDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, int64]
}

func newVersionDedupe(size int) *versionDedupe {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, int64](size)
	return &versionDedupe{lru: c}
}

// returns true if gen is greater than last seen
func (d *versionDedupe) shouldApply(tilesetID string, gen int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(tilesetID); ok {
		if gen <= last {
			return false
		}
	}
	d.lru.Add(tilesetID, gen)
	return true
}

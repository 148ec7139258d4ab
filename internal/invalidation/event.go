// Package invalidation carries tileset generation bumps between instances.
// Events are published after a mutation commits; consumers only ever raise
// their local generation mirror, so replays and reordering are harmless.
package invalidation

import (
	"fmt"
	"strings"
	"time"
)

const SchemaVersion = 1

const (
	OpUpdate = "update"
	OpDelete = "delete"
	OpBump   = "bump"
)

type Event struct {
	Version    int       `json:"version"`
	Op         string    `json:"op"`
	TilesetID  string    `json:"tileset_id"`
	Generation int64     `json:"generation"`
	Records    int       `json:"records,omitempty"`
	Origin     string    `json:"origin,omitempty"`
	TS         time.Time `json:"ts"`
}

func (e Event) Validate() error {
	if e.Version != SchemaVersion {
		return fmt.Errorf("version must be %d", SchemaVersion)
	}
	switch e.Op {
	case OpUpdate, OpDelete, OpBump:
	default:
		return fmt.Errorf("op must be update|delete|bump")
	}
	if strings.TrimSpace(e.TilesetID) == "" {
		return fmt.Errorf("tileset_id is required")
	}
	if e.Generation <= 0 {
		return fmt.Errorf("generation must be positive")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	return nil
}

// Publisher is what mutation paths depend on. Publish never blocks.
type Publisher interface {
	Publish(ev Event)
}

// Nop discards events; used when invalidation is disabled.
type Nop struct{}

func (Nop) Publish(Event) {}

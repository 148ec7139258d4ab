// Package store declares the persistence collaborators the tile pipeline and
// the batch engine depend on.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/filter"
)

// Query is a bbox constrained, filter constrained geometry fetch.
type Query struct {
	TilesetID string
	BBox      model.BBox
	Filter    filter.Expression
	// Simplified selects the precomputed simplified geometry when present.
	Simplified bool
	Limit      int
}

// Selector picks records for batch operations: explicit ids or a filter,
// optionally narrowed to one tileset.
type Selector struct {
	TilesetID string
	IDs       []string
	Filter    filter.Expression
}

// Validate rejects a selector that would match the whole store by accident.
func (s Selector) Validate() error {
	if len(s.IDs) == 0 && s.Filter.IsEmpty() && s.TilesetID == "" {
		return fmt.Errorf("selector needs feature_ids, filter or tileset_id: %w", errs.ErrInvalid)
	}
	for _, id := range s.IDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("selector contains an empty id: %w", errs.ErrInvalid)
		}
	}
	return nil
}

func (s Selector) String() string {
	var parts []string
	if s.TilesetID != "" {
		parts = append(parts, "tileset="+s.TilesetID)
	}
	if len(s.IDs) > 0 {
		parts = append(parts, fmt.Sprintf("ids=%d", len(s.IDs)))
	}
	if !s.Filter.IsEmpty() {
		parts = append(parts, "filter="+s.Filter.Normal())
	}
	return strings.Join(parts, " ")
}

type FeatureStore interface {
	QueryBBox(ctx context.Context, q Query) ([]model.Feature, error)
	Get(ctx context.Context, id string) (model.Feature, error)
	// Stream calls fn for each selected feature in id order; selection by
	// IDs skips ids that do not exist.
	Stream(ctx context.Context, sel Selector, fn func(model.Feature) error) error
	Put(ctx context.Context, f model.Feature) error
	// UpdateProperties replaces the property map of one feature.
	UpdateProperties(ctx context.Context, id string, props map[string]any) (model.Feature, error)
	Delete(ctx context.Context, id string) error
}

type TilesetCatalog interface {
	Tileset(ctx context.Context, id string) (model.Tileset, error)
	Tilesets(ctx context.Context) ([]model.Tileset, error)
	PutTileset(ctx context.Context, ts model.Tileset) error
	CountFeatures(ctx context.Context, tilesetID string) (int, error)
	// SetGeneration persists gen if it is higher than the stored value.
	SetGeneration(ctx context.Context, tilesetID string, gen int64) error
}

package batch

import (
	"context"
	"fmt"
	"maps"

	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/invalidation"
	"github.com/mohammed-shakir/geotile-cache/internal/retry"
	"github.com/mohammed-shakir/geotile-cache/internal/store"
)

type UpdateRequest struct {
	Selector store.Selector
	Patch    map[string]any
	// Merge shallow-merges Patch into the stored properties; a null value
	// removes the key. Without Merge the properties are replaced wholesale.
	Merge bool
}

type DeleteRequest struct {
	Selector store.Selector
	DryRun   bool
}

// Update applies req to every selected record. The returned error is set only
// when the selection itself fails; per-record failures land in Result.Errors.
func (e *Engine) Update(ctx context.Context, req UpdateRequest) (Result, error) {
	start := e.now()
	res := Result{Op: invalidation.OpUpdate}
	sel, err := e.resolve(ctx, req.Selector)
	if err != nil {
		return res, err
	}
	res.TotalCount = len(sel.found) + len(sel.missing)
	for _, id := range sel.missing {
		res.fail(id, missingErr(id))
	}

	touched := map[string]int{}
	for _, f := range sel.found {
		if err := ctx.Err(); err != nil {
			res.fail(f.ID, err)
			continue
		}
		if _, err := e.updateRecord(ctx, f, req.Patch, req.Merge); err != nil {
			e.log.Debug("batch: update failed", "id", f.ID, "err", err)
			res.fail(f.ID, err)
			continue
		}
		res.SuccessCount++
		res.Affected = append(res.Affected, Affected{ID: f.ID, TilesetID: f.TilesetID})
		touched[f.TilesetID]++
	}

	e.commit(ctx, invalidation.OpUpdate, touched, &res)
	e.finish(&res, start)
	return res, nil
}

// Delete removes every selected record. A dry run reports what would be
// removed without touching the store, the cache or other instances.
func (e *Engine) Delete(ctx context.Context, req DeleteRequest) (Result, error) {
	start := e.now()
	res := Result{Op: invalidation.OpDelete, DryRun: req.DryRun}
	sel, err := e.resolve(ctx, req.Selector)
	if err != nil {
		return res, err
	}
	res.TotalCount = len(sel.found) + len(sel.missing)
	for _, id := range sel.missing {
		res.fail(id, missingErr(id))
	}

	if req.DryRun {
		for _, f := range sel.found {
			res.SuccessCount++
			res.Affected = append(res.Affected, Affected{ID: f.ID, TilesetID: f.TilesetID})
		}
		e.finish(&res, start)
		return res, nil
	}

	touched := map[string]int{}
	for _, f := range sel.found {
		if err := ctx.Err(); err != nil {
			res.fail(f.ID, err)
			continue
		}
		if err := e.deleteRecord(ctx, f.ID); err != nil {
			e.log.Debug("batch: delete failed", "id", f.ID, "err", err)
			res.fail(f.ID, err)
			continue
		}
		res.SuccessCount++
		res.Affected = append(res.Affected, Affected{ID: f.ID, TilesetID: f.TilesetID})
		touched[f.TilesetID]++
	}

	e.commit(ctx, invalidation.OpDelete, touched, &res)
	e.finish(&res, start)
	return res, nil
}

// UpdateOne is the single-record form of Update. Errors are returned directly
// instead of being collected.
func (e *Engine) UpdateOne(ctx context.Context, id string, patch map[string]any, merge bool) (model.Feature, int64, error) {
	f, err := retry.Do(ctx, e.policy.Named("feature_get"), func(ctx context.Context) (model.Feature, error) {
		return e.features.Get(ctx, id)
	})
	if err != nil {
		return model.Feature{}, 0, err
	}
	updated, err := e.updateRecord(ctx, f, patch, merge)
	if err != nil {
		return model.Feature{}, 0, err
	}
	res := Result{Op: invalidation.OpUpdate}
	e.commit(ctx, invalidation.OpUpdate, map[string]int{f.TilesetID: 1}, &res)
	return updated, res.Generations[f.TilesetID], nil
}

// DeleteOne removes one record and bumps its tileset.
func (e *Engine) DeleteOne(ctx context.Context, id string) (int64, error) {
	f, err := retry.Do(ctx, e.policy.Named("feature_get"), func(ctx context.Context) (model.Feature, error) {
		return e.features.Get(ctx, id)
	})
	if err != nil {
		return 0, err
	}
	if err := e.deleteRecord(ctx, id); err != nil {
		return 0, err
	}
	res := Result{Op: invalidation.OpDelete}
	e.commit(ctx, invalidation.OpDelete, map[string]int{f.TilesetID: 1}, &res)
	return res.Generations[f.TilesetID], nil
}

func (e *Engine) updateRecord(ctx context.Context, f model.Feature, patch map[string]any, merge bool) (model.Feature, error) {
	if e.validate != nil {
		if err := e.validate(f, patch, merge); err != nil {
			return model.Feature{}, err
		}
	}
	props := applyPatch(f.Properties, patch, merge)
	return retry.Do(ctx, e.policy.Named("batch_update"), func(ctx context.Context) (model.Feature, error) {
		return e.features.UpdateProperties(ctx, f.ID, props)
	})
}

func (e *Engine) deleteRecord(ctx context.Context, id string) error {
	return retry.Run(ctx, e.policy.Named("batch_delete"), func(ctx context.Context) error {
		return e.features.Delete(ctx, id)
	})
}

func applyPatch(current, patch map[string]any, merge bool) map[string]any {
	if !merge {
		out := make(map[string]any, len(patch))
		for k, v := range patch {
			if v != nil {
				out[k] = v
			}
		}
		return out
	}
	out := maps.Clone(current)
	if out == nil {
		out = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func missingErr(id string) error {
	return fmt.Errorf("feature %q not found or excluded by filter: %w", id, errs.ErrNotFound)
}

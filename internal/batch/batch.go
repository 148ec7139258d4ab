// Package batch runs multi-record update, delete and export operations over
// the feature store. Records are processed independently: one failing record
// is reported in the result and the rest of the batch carries on.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/core/observability"
	"github.com/mohammed-shakir/geotile-cache/internal/invalidation"
	h3mapper "github.com/mohammed-shakir/geotile-cache/internal/mapper/h3"
	"github.com/mohammed-shakir/geotile-cache/internal/retry"
	"github.com/mohammed-shakir/geotile-cache/internal/store"
)

// Invalidator advances a tileset's cache generation; tilecache.Cache
// implements it.
type Invalidator interface {
	BumpGeneration(ctx context.Context, tilesetID string) int64
}

// Validator checks one record before it is updated.
type Validator func(existing model.Feature, patch map[string]any, merge bool) error

type RecordError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
	Class string `json:"class"`
}

// Affected summarises one selected record.
type Affected struct {
	ID        string `json:"id"`
	TilesetID string `json:"tileset_id"`
}

type Result struct {
	Op           string           `json:"op"`
	SuccessCount int              `json:"success_count"`
	FailedCount  int              `json:"failed_count"`
	TotalCount   int              `json:"total_count"`
	Errors       []RecordError    `json:"errors"`
	Warnings     []string         `json:"warnings"`
	Duration     time.Duration    `json:"-"`
	DurationMS   int64            `json:"duration_ms"`
	DryRun       bool             `json:"dry_run"`
	Affected     []Affected       `json:"affected,omitempty"`
	Generations  map[string]int64 `json:"generations,omitempty"`
}

func (r *Result) fail(id string, err error) {
	r.FailedCount++
	r.Errors = append(r.Errors, RecordError{ID: id, Error: err.Error(), Class: errs.ClassOf(err).String()})
}

type Engine struct {
	features   store.FeatureStore
	catalog    store.TilesetCatalog
	gens       Invalidator
	pub        invalidation.Publisher
	log        *slog.Logger
	policy     retry.Policy
	now        func() time.Time
	maxRecords int
	validate   Validator
	cells      *h3mapper.Mapper
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }
func WithPolicy(p retry.Policy) Option { return func(e *Engine) { e.policy = p } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithPublisher(p invalidation.Publisher) Option { return func(e *Engine) { e.pub = p } }
func WithValidator(v Validator) Option { return func(e *Engine) { e.validate = v } }

// WithMaxRecords caps how many records one update or delete may select.
func WithMaxRecords(n int) Option { return func(e *Engine) { e.maxRecords = n } }

func New(features store.FeatureStore, catalog store.TilesetCatalog, gens Invalidator, opts ...Option) *Engine {
	e := &Engine{
		features:   features,
		catalog:    catalog,
		gens:       gens,
		pub:        invalidation.Nop{},
		log:        slog.Default(),
		policy:     retry.DefaultPolicy(),
		now:        time.Now,
		maxRecords: 10000,
		validate:   DefaultValidator,
		cells:      h3mapper.New(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// DefaultValidator rejects empty property names and, when merging, a patch
// that would change the type of an existing numeric or boolean property.
func DefaultValidator(existing model.Feature, patch map[string]any, merge bool) error {
	for k, v := range patch {
		if k == "" {
			return fmt.Errorf("empty property name: %w", errs.ErrInvalid)
		}
		if !merge || v == nil {
			continue
		}
		old, ok := existing.Properties[k]
		if !ok || old == nil {
			continue
		}
		switch old.(type) {
		case float64, int, int64:
			if !isNumber(v) {
				return fmt.Errorf("property %q is numeric, got %T: %w", k, v, errs.ErrInvalid)
			}
		case bool:
			if _, ok := v.(bool); !ok {
				return fmt.Errorf("property %q is boolean, got %T: %w", k, v, errs.ErrInvalid)
			}
		}
	}
	return nil
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64:
		return true
	}
	return false
}

// selection is the outcome of resolving a selector: found records in id
// order plus explicit ids that did not resolve.
type selection struct {
	found   []model.Feature
	missing []string
}

func (e *Engine) resolve(ctx context.Context, sel store.Selector) (selection, error) {
	if err := sel.Validate(); err != nil {
		return selection{}, err
	}
	var out selection
	err := retry.Run(ctx, e.policy.Named("batch_select"), func(ctx context.Context) error {
		out.found = out.found[:0]
		return e.features.Stream(ctx, sel, func(f model.Feature) error {
			if e.maxRecords > 0 && len(out.found) >= e.maxRecords {
				return fmt.Errorf("selection exceeds %d records: %w", e.maxRecords, errs.ErrInvalid)
			}
			out.found = append(out.found, f)
			return nil
		})
	})
	if err != nil {
		return selection{}, fmt.Errorf("select %s: %w", sel, err)
	}
	if len(sel.IDs) > 0 {
		seen := make(map[string]struct{}, len(out.found))
		for _, f := range out.found {
			seen[f.ID] = struct{}{}
		}
		for _, id := range dedupe(sel.IDs) {
			if _, ok := seen[id]; !ok {
				out.missing = append(out.missing, id)
			}
		}
	}
	return out, nil
}

func dedupe(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// commit bumps every tileset that had at least one mutated record, persists
// the generation and announces it to other instances.
func (e *Engine) commit(ctx context.Context, op string, touched map[string]int, res *Result) {
	if len(touched) == 0 {
		return
	}
	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	res.Generations = make(map[string]int64, len(ids))
	for _, id := range ids {
		gen := e.gens.BumpGeneration(ctx, id)
		res.Generations[id] = gen
		err := retry.Run(ctx, e.policy.Named("batch_generation"), func(ctx context.Context) error {
			return e.catalog.SetGeneration(ctx, id, gen)
		})
		if err != nil {
			e.log.Warn("batch: persisting generation failed", "tileset", id, "generation", gen, "err", err)
			res.Warnings = append(res.Warnings, fmt.Sprintf("tileset %q: generation %d not persisted: %v", id, gen, err))
		}
		e.pub.Publish(invalidation.Event{
			Version:    invalidation.SchemaVersion,
			Op:         op,
			TilesetID:  id,
			Generation: gen,
			Records:    touched[id],
			TS:         e.now().UTC(),
		})
	}
}

func (e *Engine) finish(res *Result, start time.Time) {
	res.Duration = e.now().Sub(start)
	res.DurationMS = res.Duration.Milliseconds()
	if res.Errors == nil {
		res.Errors = []RecordError{}
	}
	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	observability.AddBatchRecords(res.Op, res.SuccessCount, res.FailedCount, res.DryRun)
	e.log.Info("batch finished",
		"op", res.Op,
		"total", res.TotalCount,
		"success", res.SuccessCount,
		"failed", res.FailedCount,
		"dry_run", res.DryRun,
		"duration_ms", res.DurationMS,
	)
}

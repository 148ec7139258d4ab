package batch

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/core/observability"
	"github.com/mohammed-shakir/geotile-cache/internal/retry"
	"github.com/mohammed-shakir/geotile-cache/internal/store"
)

const (
	FormatGeoJSON = "geojson"
	FormatCSV     = "csv"
)

type ExportRequest struct {
	Selector store.Selector
	Format   string
	// H3Res adds an h3_cell column at this resolution when > 0.
	H3Res int
}

func (r ExportRequest) validate() error {
	switch r.Format {
	case FormatGeoJSON, FormatCSV:
	default:
		return fmt.Errorf("export format %q (want geojson or csv): %w", r.Format, errs.ErrInvalid)
	}
	if r.H3Res < 0 || r.H3Res > 15 {
		return fmt.Errorf("h3_res %d outside 0..15: %w", r.H3Res, errs.ErrInvalid)
	}
	return r.Selector.Validate()
}

// ContentType is the media type of an export in format.
func ContentType(format string) string {
	if format == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/geo+json"
}

// Export streams the selected records to w and returns how many were
// written. Records are never collected in memory. Store failures are retried
// only while nothing has reached w yet.
func (e *Engine) Export(ctx context.Context, req ExportRequest, w io.Writer) (int, error) {
	if err := req.validate(); err != nil {
		return 0, err
	}
	cw := &countingWriter{w: w}
	p := e.policy.Named("batch_export")
	p.Retryable = func(err error) bool { return cw.n == 0 && retry.DefaultClassifier(err) }

	var (
		n   int
		err error
	)
	switch req.Format {
	case FormatCSV:
		n, err = e.exportCSV(ctx, req, cw, p)
	default:
		n, err = e.exportGeoJSON(ctx, req, cw, p)
	}
	if err != nil {
		return n, fmt.Errorf("export %s: %w", req.Selector, err)
	}
	e.log.Info("batch export finished", "format", req.Format, "records", n, "bytes", cw.n)
	return n, nil
}

func (e *Engine) exportGeoJSON(ctx context.Context, req ExportRequest, cw *countingWriter, p retry.Policy) (int, error) {
	return retry.Do(ctx, p, func(ctx context.Context) (int, error) {
		// a failed attempt drops whatever is still buffered
		bw := bufio.NewWriter(cw)
		n := 0
		if _, err := bw.WriteString(`{"type":"FeatureCollection","features":[`); err != nil {
			return 0, err
		}
		err := e.features.Stream(ctx, req.Selector, func(f model.Feature) error {
			geom, ok := e.exportGeometry(f)
			if !ok {
				return nil
			}
			gf := geojson.NewFeature(geom)
			gf.ID = f.ID
			gf.Properties = geojson.Properties(maps.Clone(f.Properties))
			if gf.Properties == nil {
				gf.Properties = geojson.Properties{}
			}
			if _, ok := gf.Properties["tileset_id"]; !ok {
				gf.Properties["tileset_id"] = f.TilesetID
			}
			if req.H3Res > 0 {
				if cell := e.cellFor(f.ID, geom, req.H3Res); cell != "" {
					gf.Properties["h3_cell"] = cell
				}
			}
			b, err := json.Marshal(gf)
			if err != nil {
				return fmt.Errorf("feature %q: %w", f.ID, err)
			}
			if n > 0 {
				if err := bw.WriteByte(','); err != nil {
					return err
				}
			}
			if _, err := bw.Write(b); err != nil {
				return err
			}
			n++
			return nil
		})
		if err != nil {
			return n, err
		}
		if _, err := bw.WriteString("]}\n"); err != nil {
			return n, err
		}
		return n, bw.Flush()
	})
}

// exportCSV makes two passes: the first collects the union of property names
// so every row has the same columns.
func (e *Engine) exportCSV(ctx context.Context, req ExportRequest, cw *countingWriter, p retry.Policy) (int, error) {
	columns, err := retry.Do(ctx, e.policy.Named("batch_export_columns"), func(ctx context.Context) ([]string, error) {
		seen := map[string]struct{}{}
		err := e.features.Stream(ctx, req.Selector, func(f model.Feature) error {
			for k := range f.Properties {
				seen[k] = struct{}{}
			}
			return nil
		})
		return slices.Sorted(maps.Keys(seen)), err
	})
	if err != nil {
		return 0, err
	}

	header := []string{"id", "tileset_id"}
	if req.H3Res > 0 {
		header = append(header, "h3_cell")
	}
	header = append(header, columns...)
	header = append(header, "geometry")

	return retry.Do(ctx, p, func(ctx context.Context) (int, error) {
		cwr := csv.NewWriter(cw)
		if err := cwr.Write(header); err != nil {
			return 0, err
		}
		n := 0
		row := make([]string, 0, len(header))
		err := e.features.Stream(ctx, req.Selector, func(f model.Feature) error {
			geom, ok := e.exportGeometry(f)
			if !ok {
				return nil
			}
			row = append(row[:0], f.ID, f.TilesetID)
			if req.H3Res > 0 {
				row = append(row, e.cellFor(f.ID, geom, req.H3Res))
			}
			for _, c := range columns {
				row = append(row, csvValue(f.Properties[c]))
			}
			row = append(row, wkt.MarshalString(geom))
			if err := cwr.Write(row); err != nil {
				return err
			}
			n++
			return nil
		})
		if err != nil {
			return n, err
		}
		cwr.Flush()
		return n, cwr.Error()
	})
}

func (e *Engine) exportGeometry(f model.Feature) (orb.Geometry, bool) {
	g, err := geojson.UnmarshalGeometry(f.Geometry)
	if err == nil && g.Geometry() == nil {
		err = errors.New("empty geometry")
	}
	if err != nil {
		observability.IncEncodingError("export")
		e.log.Warn("batch export: skipping feature", "err", &errs.EncodingError{FeatureID: f.ID, Err: err})
		return nil, false
	}
	return g.Geometry(), true
}

func (e *Engine) cellFor(id string, g orb.Geometry, res int) string {
	cell, err := e.cells.CellForGeometry(g, res)
	if err != nil {
		e.log.Debug("batch export: no h3 cell", "id", id, "err", err)
		return ""
	}
	return cell
}

func csvValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return strings.TrimSpace(string(b))
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

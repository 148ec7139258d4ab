package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/geotile-cache/internal/batch"
	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/filter"
	"github.com/mohammed-shakir/geotile-cache/internal/store"
)

type selectorBody struct {
	TilesetID  string   `json:"tileset_id"`
	FeatureIDs []string `json:"feature_ids"`
	Filter     string   `json:"filter"`
}

func (b selectorBody) selector() (store.Selector, error) {
	expr, err := filter.Parse(b.Filter)
	if err != nil {
		return store.Selector{}, err
	}
	sel := store.Selector{TilesetID: b.TilesetID, IDs: b.FeatureIDs, Filter: expr}
	return sel, sel.Validate()
}

type updateBody struct {
	selectorBody
	Properties map[string]any `json:"properties"`
	Merge      bool           `json:"merge"`
}

type deleteBody struct {
	selectorBody
	DryRun bool `json:"dry_run"`
}

type exportBody struct {
	selectorBody
	Format string `json:"format"`
	H3Res  int    `json:"h3_res"`
}

type patchBody struct {
	Properties map[string]any `json:"properties"`
	// Merge defaults to true for single-record patches.
	Merge *bool `json:"merge"`
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.maxBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty request body: %w", errs.ErrInvalid)
		}
		return fmt.Errorf("request body: %v: %w", err, errs.ErrInvalid)
	}
	return nil
}

// bulkUpdate answers 200 with the batch result even when records failed;
// only a malformed request gets an error status.
func (a *api) bulkUpdate(w http.ResponseWriter, r *http.Request) {
	var body updateBody
	if err := a.decode(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	if body.Properties == nil {
		a.writeError(w, r, fmt.Errorf("properties is required: %w", errs.ErrInvalid))
		return
	}
	sel, err := body.selector()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.batch.Update(r.Context(), batch.UpdateRequest{Selector: sel, Patch: body.Properties, Merge: body.Merge})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) bulkDelete(w http.ResponseWriter, r *http.Request) {
	var body deleteBody
	if err := a.decode(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	sel, err := body.selector()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.batch.Delete(r.Context(), batch.DeleteRequest{Selector: sel, DryRun: body.DryRun})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) patchFeature(w http.ResponseWriter, r *http.Request) {
	var body patchBody
	if err := a.decode(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	if body.Properties == nil {
		a.writeError(w, r, fmt.Errorf("properties is required: %w", errs.ErrInvalid))
		return
	}
	merge := body.Merge == nil || *body.Merge
	f, gen, err := a.batch.UpdateOne(r.Context(), chi.URLParam(r, "id"), body.Properties, merge)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         f.ID,
		"tileset_id": f.TilesetID,
		"properties": f.Properties,
		"generation": gen,
	})
}

func (a *api) deleteFeature(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	gen, err := a.batch.DeleteOne(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true, "generation": gen})
}

func (a *api) export(w http.ResponseWriter, r *http.Request) {
	var body exportBody
	if err := a.decode(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	sel, err := body.selector()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.streamExport(w, r, batch.ExportRequest{Selector: sel, Format: orDefault(body.Format), H3Res: body.H3Res})
}

func (a *api) exportStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sb := selectorBody{TilesetID: chi.URLParam(r, "tileset"), Filter: q.Get("filter")}
	sel, err := sb.selector()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	req := batch.ExportRequest{Selector: sel, Format: orDefault(q.Get("format"))}
	if s := q.Get("h3_res"); s != "" {
		if req.H3Res, err = strconv.Atoi(s); err != nil {
			a.writeError(w, r, invalidParam("h3_res", s, nil))
			return
		}
	}
	a.streamExport(w, r, req)
}

// streamExport defers the response headers until the first byte so a
// failure before any output still gets a proper error status.
func (a *api) streamExport(w http.ResponseWriter, r *http.Request, req batch.ExportRequest) {
	lw := &lazyWriter{w: w, start: func() {
		ext := "geojson"
		if req.Format == batch.FormatCSV {
			ext = "csv"
		}
		w.Header().Set("Content-Type", batch.ContentType(req.Format))
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="export.%s"`, ext))
		w.WriteHeader(http.StatusOK)
	}}
	n, err := a.batch.Export(r.Context(), req, lw)
	if err != nil {
		if !lw.started {
			a.writeError(w, r, err)
			return
		}
		a.log.ErrorContext(r.Context(), "export aborted mid-stream", "records", n, "err", err)
		return
	}
	if !lw.started {
		lw.start()
	}
}

func orDefault(format string) string {
	if format == "" {
		return batch.FormatGeoJSON
	}
	return format
}

type lazyWriter struct {
	w       http.ResponseWriter
	start   func()
	started bool
}

func (l *lazyWriter) Write(p []byte) (int, error) {
	if !l.started {
		l.started = true
		l.start()
	}
	return l.w.Write(p)
}

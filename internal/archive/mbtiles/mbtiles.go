// Package mbtiles reads pre-built tile archives stored in the MBTiles SQLite
// layout. Rows are addressed in TMS order, so y is flipped on the way in.
package mbtiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS metadata (name TEXT PRIMARY KEY, value TEXT);
CREATE TABLE IF NOT EXISTS tiles (
	zoom_level INTEGER NOT NULL,
	tile_column INTEGER NOT NULL,
	tile_row INTEGER NOT NULL,
	tile_data BLOB NOT NULL,
	PRIMARY KEY (zoom_level, tile_column, tile_row)
);`

// Archive is one open .mbtiles file.
type Archive struct {
	db   *sql.DB
	path string
}

// Open opens an existing archive read-only.
func Open(ctx context.Context, path string) (*Archive, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("archive %s: %w", path, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("archive %s: %w", path, err)
	}
	return open(ctx, fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path), path)
}

// Create opens path read-write, creating the MBTiles tables when missing.
// Used by seed tooling and tests.
func Create(ctx context.Context, path string) (*Archive, error) {
	a, err := open(ctx, fmt.Sprintf("file:%s?_busy_timeout=5000", path), path)
	if err != nil {
		return nil, err
	}
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		_ = a.db.Close()
		return nil, fmt.Errorf("mbtiles schema: %w", err)
	}
	return a, nil
}

func open(ctx context.Context, dsn, path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mbtiles %q: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mbtiles %q: %w", path, err)
	}
	return &Archive{db: db, path: path}, nil
}

func (a *Archive) Close() error { return a.db.Close() }

func tmsRow(z, y int) int { return (1 << z) - 1 - y }

// Tile returns the stored bytes for an XYZ coordinate, or ErrNotFound.
func (a *Archive) Tile(ctx context.Context, c model.TileCoord) ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("tile %s: %w", c, errs.ErrNotFound)
	}
	var data []byte
	err := a.db.QueryRowContext(ctx,
		`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		c.Z, c.X, tmsRow(c.Z, c.Y)).Scan(&data)
	if err != nil {
		return nil, translate("archive tile "+c.String(), err)
	}
	return data, nil
}

// PutTile stores data at an XYZ coordinate.
func (a *Archive) PutTile(ctx context.Context, c model.TileCoord, data []byte) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)`,
		c.Z, c.X, tmsRow(c.Z, c.Y), data)
	return translate("archive put tile", err)
}

func (a *Archive) Metadata(ctx context.Context) (map[string]string, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT name, value FROM metadata`)
	if err != nil {
		return nil, translate("archive metadata", err)
	}
	defer func() { _ = rows.Close() }()
	out := map[string]string{}
	for rows.Next() {
		var k string
		var v sql.NullString
		if err := rows.Scan(&k, &v); err != nil {
			return nil, translate("archive metadata scan", err)
		}
		out[k] = v.String
	}
	return out, translate("archive metadata rows", rows.Err())
}

func (a *Archive) SetMetadata(ctx context.Context, name, value string) error {
	_, err := a.db.ExecContext(ctx, `INSERT OR REPLACE INTO metadata (name, value) VALUES (?, ?)`, name, value)
	return translate("archive set metadata", err)
}

// IsGzip reports whether data starts with the gzip magic. Vector archives
// usually store gzipped protobuf.
func IsGzip(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}

func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, errs.ErrNotFound)
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked || se.Code == sqlite3.ErrIoErr) {
		return &errs.TransientError{Op: op, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &errs.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Dir resolves tileset sources to <dir>/<source>.mbtiles and keeps each
// archive open for the life of the process.
type Dir struct {
	root string
	log  *slog.Logger

	mu   sync.Mutex
	open map[string]*Archive
}

func NewDir(root string, log *slog.Logger) *Dir {
	if log == nil {
		log = slog.Default()
	}
	return &Dir{root: root, log: log, open: map[string]*Archive{}}
}

func (d *Dir) Archive(ctx context.Context, source string) (*Archive, error) {
	name := filepath.Base(filepath.Clean(source))
	name = strings.TrimSuffix(name, ".mbtiles")
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.open[name]; ok {
		return a, nil
	}
	a, err := Open(ctx, filepath.Join(d.root, name+".mbtiles"))
	if err != nil {
		return nil, err
	}
	d.open[name] = a
	d.log.Info("archive opened", "source", name)
	return a, nil
}

func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errList []error
	for name, a := range d.open {
		if err := a.Close(); err != nil {
			errList = append(errList, fmt.Errorf("close %s: %w", name, err))
		}
		delete(d.open, name)
	}
	return errors.Join(errList...)
}

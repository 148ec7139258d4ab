// Package sqlitestore is the SQLite implementation of the feature store and
// tileset catalog. Geometry is stored as GeoJSON text with a bbox envelope in
// plain columns for range filtering.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/pressly/goose/v3"

	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/simplify"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DefaultSimplifyTolerance is the tolerance, in degrees, used for the
// precomputed simplified geometry column.
const DefaultSimplifyTolerance = 0.0005

type Option func(*Store)

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

func WithSimplifyTolerance(t float64) Option {
	return func(s *Store) { s.simplifyTol = t }
}

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

type Store struct {
	db          *sql.DB
	log         *slog.Logger
	simplifyTol float64
	now         func() time.Time
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	s := &Store{db: db, log: slog.Default(), simplifyTol: DefaultSimplifyTolerance, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Info("sqlite store initialized", "path", path)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	for _, r := range results {
		s.log.Debug("migration applied", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite close: %w", err)
	}
	return nil
}

// DB exposes the handle for tests and ad hoc tooling.
func (s *Store) DB() *sql.DB { return s.db }

// translate maps driver errors onto the error taxonomy.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, errs.ErrNotFound)
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrConstraint:
			return &errs.ConstraintError{Err: fmt.Errorf("%s: %w", op, err)}
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return &errs.TransientError{Op: op, Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &errs.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// envelope decodes GeoJSON geometry text and returns its bound plus the
// precomputed simplified form.
func (s *Store) envelope(raw []byte) (minx, miny, maxx, maxy float64, simplified []byte, err error) {
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return 0, 0, 0, 0, nil, fmt.Errorf("geometry: %w: %w", err, errs.ErrInvalid)
	}
	geom := g.Geometry()
	if geom == nil {
		return 0, 0, 0, 0, nil, fmt.Errorf("geometry: empty: %w", errs.ErrInvalid)
	}
	b := geom.Bound()
	if s.simplifyTol > 0 {
		sg := simplify.Apply(orb.Clone(geom), simplify.Tolerance(s.simplifyTol))
		simplified, err = geojson.NewGeometry(sg).MarshalJSON()
		if err != nil {
			return 0, 0, 0, 0, nil, fmt.Errorf("simplified geometry: %w", err)
		}
	}
	return b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y(), simplified, nil
}

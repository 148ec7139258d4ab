// Package logger builds the zerolog root logger and carries request scoped
// fields (request id, tileset, cache status) through context.
package logger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level     string
	Console   bool
	SampleN   int
	Instance  string
	Component string
}

type ctxKey string

const (
	keyRequestID ctxKey = "request_id"
	keyTileset   ctxKey = "tileset"
	keyStatus    ctxKey = "cache_status"
	keyComponent ctxKey = "component"
)

// emitted in this order by FromContext
var ctxFields = [...]ctxKey{keyRequestID, keyComponent, keyTileset, keyStatus}

func with(ctx context.Context, k ctxKey, v string) context.Context {
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, k, v)
}

// WithRequestID stores id, generating one when id is empty.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = NewID()
	}
	return with(ctx, keyRequestID, id)
}

func RequestID(ctx context.Context) string {
	s, _ := ctx.Value(keyRequestID).(string)
	return s
}

func WithTileset(ctx context.Context, id string) context.Context {
	return with(ctx, keyTileset, id)
}

func WithCacheStatus(ctx context.Context, status string) context.Context {
	return with(ctx, keyStatus, status)
}

func WithComponent(ctx context.Context, component string) context.Context {
	return with(ctx, keyComponent, component)
}

func NewID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// ParseLevel maps LOG_LEVEL text to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func sampler(n int) zerolog.Sampler {
	if n <= 1 {
		return nil
	}
	if n > math.MaxUint32 {
		n = math.MaxUint32
	}
	return &zerolog.BasicSampler{N: uint32(n)}
}

// Build returns the root logger. The level is set on the logger itself so
// several roots (tests, tools) do not fight over zerolog's global level.
func Build(cfg Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "timestamp"
	zerolog.MessageFieldName = "msg"

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	base := zerolog.New(out).Level(ParseLevel(cfg.Level))
	if s := sampler(cfg.SampleN); s != nil {
		base = base.Sample(s)
	}

	w := base.With().Timestamp()
	if cfg.Instance != "" {
		w = w.Str("instance", cfg.Instance)
	}
	if cfg.Component != "" {
		w = w.Str("component", cfg.Component)
	}
	return w.Logger()
}

// FromContext returns parent enriched with the context's request fields.
// A nil parent yields a discarding logger.
func FromContext(ctx context.Context, parent *zerolog.Logger) *zerolog.Logger {
	base := zerolog.Nop()
	if parent != nil {
		base = *parent
	}
	w := base.With()
	for _, k := range ctxFields {
		if s, ok := ctx.Value(k).(string); ok && s != "" {
			w = w.Str(string(k), s)
		}
	}
	l := w.Logger()
	return &l
}

package logger

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// bridge lets packages log through *slog.Logger while zerolog does the
// encoding. Groups flatten into dotted keys.
type bridge struct {
	zl     *zerolog.Logger
	attrs  []slog.Attr
	prefix string
}

func NewSlog(zl *zerolog.Logger) *slog.Logger {
	return slog.New(&bridge{zl: zl})
}

func toZerolog(l slog.Level) zerolog.Level {
	switch {
	case l < slog.LevelInfo:
		return zerolog.DebugLevel
	case l < slog.LevelWarn:
		return zerolog.InfoLevel
	case l < slog.LevelError:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

func (b *bridge) Enabled(_ context.Context, l slog.Level) bool {
	lvl := toZerolog(l)
	return lvl >= b.zl.GetLevel() && lvl >= zerolog.GlobalLevel()
}

func (b *bridge) Handle(ctx context.Context, r slog.Record) error {
	ev := FromContext(ctx, b.zl).WithLevel(toZerolog(r.Level))
	for _, a := range b.attrs {
		ev = appendAttr(ev, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		ev = appendAttr(ev, b.prefix, a)
		return true
	})
	ev.Msg(r.Message)
	return nil
}

func (b *bridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *b
	cp.attrs = make([]slog.Attr, 0, len(b.attrs)+len(attrs))
	cp.attrs = append(cp.attrs, b.attrs...)
	for _, a := range attrs {
		if b.prefix != "" {
			a.Key = b.prefix + a.Key
		}
		cp.attrs = append(cp.attrs, a)
	}
	return &cp
}

func (b *bridge) WithGroup(name string) slog.Handler {
	if name == "" {
		return b
	}
	cp := *b
	cp.prefix = b.prefix + name + "."
	return &cp
}

func appendAttr(ev *zerolog.Event, prefix string, a slog.Attr) *zerolog.Event {
	v := a.Value.Resolve()
	key := prefix + a.Key
	switch v.Kind() {
	case slog.KindString:
		return ev.Str(key, v.String())
	case slog.KindInt64:
		return ev.Int64(key, v.Int64())
	case slog.KindUint64:
		return ev.Uint64(key, v.Uint64())
	case slog.KindFloat64:
		return ev.Float64(key, v.Float64())
	case slog.KindBool:
		return ev.Bool(key, v.Bool())
	case slog.KindDuration:
		return ev.Dur(key, v.Duration())
	case slog.KindTime:
		return ev.Time(key, v.Time())
	case slog.KindGroup:
		for _, g := range v.Group() {
			ev = appendAttr(ev, key+".", g)
		}
		return ev
	default:
		if err, ok := v.Any().(error); ok {
			return ev.AnErr(key, err)
		}
		return ev.Interface(key, v.Any())
	}
}

package logger

import (
	"context"
	"log/slog"
)

// Slog returns a *slog.Logger that writes through l, so packages built on
// log/slog share the same file, buffer and level.
func (l *Logger) Slog() *slog.Logger {
	return slog.New(&slogHandler{l: l})
}

type slogHandler struct {
	l      *Logger
	attrs  []interface{}
	prefix string
}

func toLevel(level slog.Level) LogLevel {
	switch {
	case level >= slog.LevelError:
		return ERROR
	case level >= slog.LevelWarn:
		return WARN
	case level >= slog.LevelInfo:
		return INFO
	case level >= slog.LevelDebug:
		return DEBUG
	}
	return TRACE
}

func (h *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return toLevel(level) <= h.l.GetLevel()
}

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	kv := make([]interface{}, 0, len(h.attrs)+2*r.NumAttrs())
	kv = append(kv, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		kv = append(kv, h.prefix+a.Key, a.Value.Resolve().Any())
		return true
	})
	h.l.log(toLevel(r.Level), r.Message, kv...)
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &slogHandler{l: h.l, prefix: h.prefix, attrs: append([]interface{}{}, h.attrs...)}
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.prefix+a.Key, a.Value.Resolve().Any())
	}
	return next
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &slogHandler{l: h.l, attrs: h.attrs, prefix: h.prefix + name + "."}
}

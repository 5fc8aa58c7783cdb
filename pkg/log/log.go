// Package log builds the process logger: a log/slog handler in the
// operator's chosen format, wrapped so request-scoped values riding in
// the context show up on every record logged while serving that
// request.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Formats lists the accepted values for the logger format option.
var Formats = []string{"text", "json"}

// ParseLevel maps the config file's level string onto slog's levels.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log level is not one of the supported values (debug, info, warn, error): %s", level)
}

// New builds a logger writing to w. keys name context values that, when
// present on a record's context, are attached to the record; the server
// package stamps its request ID and remote IP under such keys.
func New(w io.Writer, level slog.Level, format string, keys ...any) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level, AddSource: true}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("log format is not one of the supported values (%s): %s", strings.Join(Formats, ", "), format)
	}

	return slog.New(contextHandler{handler: handler, keys: keys}), nil
}

var _ slog.Handler = contextHandler{}

type contextHandler struct {
	handler slog.Handler
	keys    []any
}

func (h contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h contextHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, key := range h.keys {
		if v, ok := ctx.Value(key).(string); ok {
			record.AddAttrs(slog.String(fmt.Sprint(key), v))
		}
	}
	return h.handler.Handle(ctx, record)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{handler: h.handler.WithAttrs(attrs), keys: h.keys}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{handler: h.handler.WithGroup(name), keys: h.keys}
}

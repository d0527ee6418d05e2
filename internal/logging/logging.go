// Package logging configures structured JSON logging, the Go
// counterpart of
// _examples/original_source/src/common/logging_config.py's
// JSONFormatter/setup_logging. log/slog's JSON handler replaces the
// hand-rolled JSONFormatter, and gopkg.in/natefinch/lumberjack.v2
// (already in the teacher's domain, kept here for file rotation) backs
// file output when configured. A slog.Handler middleware injects the
// correlation ID and component name carried by context.Context
// (internal/telemetry), replacing CorrelationFilter's ContextVar read.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kepler9870u0987/mail-ingestion/internal/telemetry"
)

// Config controls where logs go and at what level (spec.md §6).
type Config struct {
	Level      string // debug, info, warn, error
	FilePath   string // empty = stdout only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func (c Config) level() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a *slog.Logger writing JSON lines, optionally tee'd to a
// rotating file.
func New(cfg Config) *slog.Logger {
	var w io.Writer = os.Stdout
	if cfg.FilePath != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
			Compress:   true,
		})
	}

	handler := &correlationHandler{next: slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.level()})}
	return slog.New(handler)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// correlationHandler enriches every record with the correlation ID and
// component name from the call's context, so callers never have to
// pass them explicitly (matching CorrelationFilter's implicit
// ContextVar injection).
type correlationHandler struct {
	next slog.Handler
}

func (h *correlationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *correlationHandler) Handle(ctx context.Context, record slog.Record) error {
	if id := telemetry.CorrelationID(ctx); id != "" {
		record.AddAttrs(slog.String("correlation_id", id))
	}
	if c := telemetry.Component(ctx); c != "" {
		record.AddAttrs(slog.String("component", c))
	}
	return h.next.Handle(ctx, record)
}

func (h *correlationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &correlationHandler{next: h.next.WithAttrs(attrs)}
}

func (h *correlationHandler) WithGroup(name string) slog.Handler {
	return &correlationHandler{next: h.next.WithGroup(name)}
}

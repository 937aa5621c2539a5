// Package logging provides structured logging configuration using log/slog.
//
// This package integrates with chi's RequestID middleware to propagate
// request IDs through structured log entries, and carries the migration
// run id and entity type so every line written during a run can be
// correlated back to it.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// Setup installs the default slog logger. Logs go to stderr so stdout stays
// clean for command output such as --json.
//
// Level values: "debug", "info", "warn", "error" (default: "info")
// Format values: "text", "json" (default: "text")
func Setup(level, format string) {
	slog.SetDefault(New(os.Stderr, level, format))
}

// New builds a logger writing to w. Unknown formats fall back to text.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type ctxKey int

const (
	runIDKey ctxKey = iota
	entityKey
)

// WithRun returns a context carrying the run id and entity type.
func WithRun(ctx context.Context, runID, entity string) context.Context {
	ctx = context.WithValue(ctx, runIDKey, runID)
	return context.WithValue(ctx, entityKey, entity)
}

// RunID returns the run id stored by WithRun, or "".
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// FromContext returns a logger enriched with request and run context.
//
// When called with a request context that contains a chi RequestID,
// the returned logger includes request_id. Contexts prepared with WithRun
// add run_id and entity.
//
// Usage:
//
//	logger := logging.FromContext(ctx)
//	logger.Info("payloads generated", "built", built, "skipped", skipped)
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()

	// Chi's RequestID middleware stores the ID in context
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if runID, ok := ctx.Value(runIDKey).(string); ok && runID != "" {
		logger = logger.With("run_id", runID)
	}
	if entity, ok := ctx.Value(entityKey).(string); ok && entity != "" {
		logger = logger.With("entity", entity)
	}

	return logger
}

// WithFields returns a logger with additional structured fields.
//
// This is useful for creating operation-specific loggers that carry
// consistent context through a multi-step process.
//
// Usage:
//
//	recLogger := logging.WithFields(ctx,
//	    "source_id", rec.SourceID,
//	    "attempt", attempt,
//	)
//	recLogger.Warn("transient failure, backing off", "delay", delay)
func WithFields(ctx context.Context, args ...any) *slog.Logger {
	return FromContext(ctx).With(args...)
}

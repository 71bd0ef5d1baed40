// Package logging configures log/slog for the service.
//
// Loggers taken from a context carry the chi request id of API calls and the
// execution id of pipeline steps, so every line of one upload can be found
// by a single field, whichever process wrote it.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

type ctxKey struct{}

// Setup configures the global slog logger based on level and format.
//
// Level values: "debug", "info", "warn", "error" (default: "info")
// Format values: "text", "json" (default: "text")
func Setup(level, format string) {
	slog.SetDefault(New(os.Stdout, level, format))
}

// New builds a logger writing to w.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
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

// ContextWithExecution tags ctx with an execution id. Loggers taken from the
// returned context include it as execution_id.
func ContextWithExecution(ctx context.Context, execID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, execID)
}

// ExecutionFromContext returns the execution id set by ContextWithExecution.
func ExecutionFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// FromContext returns the default logger enriched with the request id and
// execution id found in ctx.
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()

	if reqID := middleware.GetReqID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if execID := ExecutionFromContext(ctx); execID != "" {
		logger = logger.With("execution_id", execID)
	}
	return logger
}

// WithFields returns a logger with additional structured fields.
//
//	log := logging.WithFields(ctx, "handler", h.ID(), "step", step)
//	log.Info("step started")
func WithFields(ctx context.Context, args ...any) *slog.Logger {
	return FromContext(ctx).With(args...)
}

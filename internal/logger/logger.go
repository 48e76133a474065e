// Package logger provides structured logging setup using slog.
package logger

import (
	"context"
	"log/slog"
	"os"
)

// jobNameKey is the context key for the job a log line concerns.
type jobNameKey struct{}

// New creates a new structured JSON logger.
func New() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// WithJob returns a new context carrying the job name.
func WithJob(ctx context.Context, jobName string) context.Context {
	return context.WithValue(ctx, jobNameKey{}, jobName)
}

// JobFromContext extracts the job name from the context.
func JobFromContext(ctx context.Context) string {
	if v := ctx.Value(jobNameKey{}); v != nil {
		return v.(string)
	}
	return ""
}

// FromContext returns a logger with context fields (job name, etc.) attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if job := JobFromContext(ctx); job != "" {
		return base.With("job", job)
	}
	return base
}

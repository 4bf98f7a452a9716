package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey        contextKey = "logger"
	acquisitionIDKey contextKey = "acquisition_id"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithAcquisitionID tags the context with the ID of the acquisition it serves.
func WithAcquisitionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, acquisitionIDKey, id)
}

// AcquisitionIDFromContext returns the acquisition ID, or "" when the context carries none.
func AcquisitionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(acquisitionIDKey).(string); ok {
		return id
	}
	return ""
}

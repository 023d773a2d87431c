// Package logctx carries a *slog.Logger through context so every layer of a
// transfer logs with the same transfer-scoped attributes.
package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const loggerKey contextKey = "logger"

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithTransfer attaches a logger scoped to the given transfer id.
func WithTransfer(ctx context.Context, transferID string) context.Context {
	return WithLogger(ctx, LoggerFromContext(ctx).With("transfer_id", transferID))
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns
// slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

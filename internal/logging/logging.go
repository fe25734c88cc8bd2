// Package logging builds the service's structured loggers and threads
// request identity through context, so every line emitted while a
// transaction is being evaluated can be correlated back to it.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Context keys are unexported struct types so no other package can collide
// with them.
type (
	requestIDKey     struct{}
	transactionIDKey struct{}
	loggerKey        struct{}
)

// New creates a structured logger. "json" is what production runs; anything
// else gets the human-readable text handler. Source locations are attached
// only when running at debug level.
func New(level, format string) *slog.Logger {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// WithRequestID stores the HTTP request id in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id, or "" when none was set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithTransactionID stores the id of the transaction under evaluation so
// downstream log lines can be tied back to it.
func WithTransactionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, transactionIDKey{}, id)
}

// TransactionID returns the transaction id, or "" when none was set.
func TransactionID(ctx context.Context) string {
	id, _ := ctx.Value(transactionIDKey{}).(string)
	return id
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the context's logger, or the process default.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L returns the context's logger annotated with whatever identity the
// context carries: request id, transaction id, or both.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if id := RequestID(ctx); id != "" {
		logger = logger.With("request_id", id)
	}
	if id := TransactionID(ctx); id != "" {
		logger = logger.With("transaction_id", id)
	}
	return logger
}

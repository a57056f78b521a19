// Package shield holds the HTTP middleware in front of the egress API:
// security headers, request body caps, trace IDs, per-client rate limits and
// drain mode during shutdown.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(logger, drain, limiter, 1<<20) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultStack returns the middleware for the egress API, outermost first:
// drain → HeadToGet → SecurityHeaders → TraceID → rate limit → MaxBody.
// drain and limiter may be nil.
func DefaultStack(logger *slog.Logger, drain *MaintenanceMode, limiter *RateLimiter, maxBody int64) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{}
	if drain != nil {
		stack = append(stack, drain.Middleware)
	}
	stack = append(stack,
		HeadToGet,
		SecurityHeaders(APIHeaders()),
		TraceID(logger),
	)
	if limiter != nil {
		stack = append(stack, limiter.Middleware)
	}
	return append(stack, MaxBody(maxBody))
}

// GetLogger returns the per-request logger set by TraceID, or slog.Default().
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// WriteError writes the API error payload {"error": msg, "status": status}.
func WriteError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": msg, "status": status})
}

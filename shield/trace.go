package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/egress/idgen"
	"github.com/hazyhaar/egress/kit"
)

var newTraceID = idgen.Prefixed("trc_", idgen.Short(12))

// TraceID tags each request with a trace ID, stored under kit.TraceIDKey
// and echoed in X-Trace-ID, and attaches a per-request logger carrying it.
// The query string is not logged: it holds client target URLs.
func TraceID(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := newTraceID()
			w.Header().Set("X-Trace-ID", traceID)

			ctx := kit.WithTraceID(r.Context(), traceID)
			ctx = kit.WithRemoteAddr(ctx, ExtractIP(r))
			reqLogger := logger.With(
				"trace_id", traceID,
				"method", r.Method,
				"path", r.URL.Path,
			)
			ctx = context.WithValue(ctx, LoggerKey, reqLogger)
			reqLogger.Debug("request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

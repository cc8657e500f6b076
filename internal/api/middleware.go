package api

import (
	"log/slog"
	"net/http"
)

// TraceMiddleware adds a trace ID to the request context and logs the
// request start. Applied early in the chain so all handlers can correlate.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := SetTraceID(r.Context())

		slog.Debug("request started",
			"trace_id", GetTraceID(ctx),
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Package api exposes the operations surface of the async core over HTTP:
// job enqueue/inspection/cancellation, queue and storage statistics,
// manual cleanup, and the diagnostic event history.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// contextKey is a private type for context keys defined in this package.
type contextKey int

// traceIDKey is the context key under which the request trace ID is stored.
const traceIDKey contextKey = iota

// ErrorResponse defines the standard error response structure.
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// SetTraceID returns a context carrying a fresh trace ID.
func SetTraceID(ctx context.Context) context.Context {
	return context.WithValue(ctx, traceIDKey, uuid.New().String())
}

// GetTraceID returns the trace ID stored in ctx, or "" when absent.
func GetTraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// RespondWithJSON writes a JSON response with the given status code and data.
func RespondWithJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err, "path", r.URL.Path)
	}
}

// RespondWithError writes a JSON error response, attaching the request's
// trace ID for correlation.
func RespondWithError(w http.ResponseWriter, r *http.Request, status int, message string) {
	RespondWithJSON(w, r, status, ErrorResponse{
		Error:   message,
		TraceID: GetTraceID(r.Context()),
	})
}

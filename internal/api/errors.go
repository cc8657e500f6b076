package api

import (
	"errors"
	"net/http"

	"github.com/pagewright/asynccore/internal/kv"
	"github.com/pagewright/asynccore/internal/queue"
	"github.com/pagewright/asynccore/internal/storage"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// leaking internal error detail to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, queue.ErrNoHandler),
		errors.Is(err, queue.ErrInvalidPriority):
		return http.StatusBadRequest

	case errors.Is(err, kv.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, storage.ErrQuotaExceeded),
		errors.Is(err, kv.ErrQuotaExceeded):
		return http.StatusInsufficientStorage

	case errors.Is(err, queue.ErrNotStarted):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// SafeErrorMessage returns a client-facing message for err, hiding internal
// detail behind a generic message for unexpected failures.
func SafeErrorMessage(err error) string {
	switch {
	case errors.Is(err, queue.ErrNoHandler):
		return "unknown job type"
	case errors.Is(err, queue.ErrInvalidPriority):
		return "invalid job priority"
	case errors.Is(err, kv.ErrNotFound):
		return "not found"
	case errors.Is(err, storage.ErrQuotaExceeded), errors.Is(err, kv.ErrQuotaExceeded):
		return "storage quota exceeded"
	case errors.Is(err, queue.ErrNotStarted):
		return "queue is not accepting jobs"
	default:
		return "an unexpected error occurred"
	}
}

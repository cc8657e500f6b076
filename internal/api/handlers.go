package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pagewright/asynccore/internal/events"
	"github.com/pagewright/asynccore/internal/queue"
	"github.com/pagewright/asynccore/internal/storage"
)

// Handler bundles the dependencies of the HTTP surface.
type Handler struct {
	queue    *queue.Queue
	storage  *storage.Manager
	bus      *events.Bus
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(q *queue.Queue, s *storage.Manager, bus *events.Bus, logger *slog.Logger) *Handler {
	return &Handler{
		queue:    q,
		storage:  s,
		bus:      bus,
		validate: validator.New(),
		logger:   logger.With("component", "api"),
	}
}

// EnqueueRequest is the payload of POST /jobs.
type EnqueueRequest struct {
	Type       string          `json:"type"        validate:"required"`
	Payload    json.RawMessage `json:"payload"`
	Priority   string          `json:"priority"    validate:"omitempty,oneof=low normal high critical"`
	MaxRetries *int            `json:"max_retries" validate:"omitempty,gte=0"`
}

// EnqueueResponse is the result of a successful enqueue.
type EnqueueResponse struct {
	JobID uint64 `json:"job_id"`
}

// EnqueueJob handles POST /jobs.
func (h *Handler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		RespondWithError(w, r, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	opts := []queue.Option{}
	if req.Priority != "" {
		opts = append(opts, queue.WithPriority(queue.Priority(req.Priority)))
	}
	if req.MaxRetries != nil {
		opts = append(opts, queue.WithMaxRetries(*req.MaxRetries))
	}

	// The payload is stored verbatim; handlers decode it at execution time.
	id, err := h.queue.Enqueue(r.Context(), queue.JobType(req.Type), req.Payload, opts...)
	if err != nil {
		h.logger.Debug("enqueue rejected", "job_type", req.Type, "error", err)
		RespondWithError(w, r, MapErrorToStatusCode(err), SafeErrorMessage(err))
		return
	}

	RespondWithJSON(w, r, http.StatusAccepted, EnqueueResponse{JobID: id})
}

// ListJobs handles GET /jobs with optional status and type query filters.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := queue.Filter{
		Status: queue.Status(r.URL.Query().Get("status")),
		Type:   queue.JobType(r.URL.Query().Get("type")),
	}
	RespondWithJSON(w, r, http.StatusOK, h.queue.Jobs(filter))
}

// GetJob handles GET /jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		RespondWithError(w, r, http.StatusBadRequest, "invalid job id")
		return
	}

	job, ok := h.queue.Job(id)
	if !ok {
		RespondWithError(w, r, http.StatusNotFound, "job not found")
		return
	}
	RespondWithJSON(w, r, http.StatusOK, job)
}

// CancelJob handles DELETE /jobs/{id}. Only pending jobs can be cancelled.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		RespondWithError(w, r, http.StatusBadRequest, "invalid job id")
		return
	}

	if !h.queue.Cancel(r.Context(), id) {
		RespondWithError(w, r, http.StatusConflict, "job is not pending")
		return
	}
	RespondWithJSON(w, r, http.StatusOK, map[string]bool{"cancelled": true})
}

// ClearCompleted handles POST /jobs/completed/clear.
func (h *Handler) ClearCompleted(w http.ResponseWriter, r *http.Request) {
	removed := h.queue.ClearCompleted(r.Context())
	RespondWithJSON(w, r, http.StatusOK, map[string]int{"removed": removed})
}

// QueueStats handles GET /stats.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, r, http.StatusOK, h.queue.Stats())
}

// StorageStats handles GET /storage/stats.
func (h *Handler) StorageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.storage.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to compute storage stats", "error", err)
		RespondWithError(w, r, MapErrorToStatusCode(err), SafeErrorMessage(err))
		return
	}
	RespondWithJSON(w, r, http.StatusOK, stats)
}

// CleanupRequest is the payload of POST /storage/cleanup.
type CleanupRequest struct {
	MinBytesToFree int64 `json:"min_bytes_to_free" validate:"gte=0"`
}

// Cleanup handles POST /storage/cleanup.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			RespondWithError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := h.validate.Struct(&req); err != nil {
			RespondWithError(w, r, http.StatusBadRequest, "validation failed: "+err.Error())
			return
		}
	}

	freed, err := h.storage.Cleanup(r.Context(), req.MinBytesToFree)
	if err != nil {
		h.logger.Error("manual cleanup failed", "error", err)
		RespondWithError(w, r, MapErrorToStatusCode(err), SafeErrorMessage(err))
		return
	}
	RespondWithJSON(w, r, http.StatusOK, map[string]int64{"bytes_freed": freed})
}

// OldestItems handles GET /storage/oldest.
func (h *Handler) OldestItems(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, r, http.StatusOK, h.storage.OldestItems(parseLimit(r, 10)))
}

// LargestItems handles GET /storage/largest.
func (h *Handler) LargestItems(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, r, http.StatusOK, h.storage.LargestItems(parseLimit(r, 10)))
}

// EventHistory handles GET /events with optional type and limit filters.
func (h *Handler) EventHistory(w http.ResponseWriter, r *http.Request) {
	typ := events.Type(r.URL.Query().Get("type"))
	RespondWithJSON(w, r, http.StatusOK, h.bus.History(typ, parseLimit(r, 0)))
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// parseLimit reads the "limit" query parameter, falling back to def.
func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return def
	}
	return limit
}

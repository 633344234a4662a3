// Package api exposes job submission, job status and queue control over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/seed-scraper/internal/database"
	"github.com/maltedev/seed-scraper/internal/jobs"
	"github.com/maltedev/seed-scraper/internal/models"
	"github.com/maltedev/seed-scraper/internal/queue"
)

// JobService is implemented by jobs.Manager.
type JobService interface {
	Enqueue(ctx context.Context, req jobs.Request) (*models.ScrapeJob, error)
	Get(ctx context.Context, id string) (*models.ScrapeJob, error)
	List(ctx context.Context, f database.JobFilter) ([]models.ScrapeJob, error)
	Cancel(ctx context.Context, id string) (jobs.CancelOutcome, error)
	QueueStats(ctx context.Context) (queue.Counts, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

type Handlers struct {
	jobs   JobService
	logger *slog.Logger
}

func NewHandlers(jobs JobService, logger *slog.Logger) *Handlers {
	return &Handlers{
		jobs:   jobs,
		logger: logger.With("component", "api"),
	}
}

type CreateJobResponse struct {
	JobID         string           `json:"job_id"`
	CorrelationID string           `json:"correlation_id"`
	Status        models.JobStatus `json:"status"`
	Message       string           `json:"message"`
}

// CreateJob handles new scrape job requests
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Mode == "" {
		req.Mode = models.ModeManual
	}

	job, err := h.jobs.Enqueue(r.Context(), req)
	if err != nil {
		h.respondJobError(w, err, "failed to create job")
		return
	}

	h.respondJSON(w, http.StatusCreated, CreateJobResponse{
		JobID:         job.ID,
		CorrelationID: job.CorrelationID,
		Status:        job.Status,
		Message:       "Job created successfully",
	})
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.respondJobError(w, err, "failed to get job")
		return
	}
	h.respondJSON(w, http.StatusOK, job)
}

// ListJobs supports seller_id, status, mode, since, until, limit and offset
// query parameters. Times are RFC 3339.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := h.jobs.List(r.Context(), filter)
	if err != nil {
		h.respondJobError(w, err, "failed to list jobs")
		return
	}
	if list == nil {
		list = []models.ScrapeJob{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"jobs": list, "count": len(list)})
}

func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	outcome, err := h.jobs.Cancel(r.Context(), id)
	if err != nil {
		h.respondJobError(w, err, "failed to cancel job")
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]any{"job_id": id, "result": outcome})
}

func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.jobs.QueueStats(r.Context())
	if err != nil {
		h.logger.Error("failed to get queue stats", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get queue stats")
		return
	}
	h.respondJSON(w, http.StatusOK, counts)
}

func (h *Handlers) PauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Pause(r.Context()); err != nil {
		h.logger.Error("failed to pause queue", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to pause queue")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (h *Handlers) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Resume(r.Context()); err != nil {
		h.logger.Error("failed to resume queue", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to resume queue")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func parseFilter(r *http.Request) (database.JobFilter, error) {
	q := r.URL.Query()
	f := database.JobFilter{
		SellerID: q.Get("seller_id"),
		Status:   models.JobStatus(q.Get("status")),
		Mode:     models.Mode(q.Get("mode")),
	}

	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		return f, errors.New("since must be an RFC 3339 timestamp")
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		return f, errors.New("until must be an RFC 3339 timestamp")
	}
	if f.Limit, err = parseInt(q.Get("limit")); err != nil {
		return f, errors.New("limit must be a non-negative integer")
	}
	if f.Offset, err = parseInt(q.Get("offset")); err != nil {
		return f, errors.New("offset must be a non-negative integer")
	}
	return f, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func parseInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid")
	}
	return n, nil
}

// respondJobError maps job lifecycle errors onto status codes.
func (h *Handlers) respondJobError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, jobs.ErrSellerNotFound):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrNoSources), errors.Is(err, jobs.ErrSellerInactive):
		h.respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, jobs.ErrJobFinished):
		h.respondError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error(fallback, "error", err)
		h.respondError(w, http.StatusInternalServerError, fallback)
	}
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, data, h.logger)
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

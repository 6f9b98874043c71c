package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/offerlens/amazon-offer-scraper/internal/database"
	"github.com/offerlens/amazon-offer-scraper/internal/offer-server/jobs"
)

type jobService interface {
	CreateJob(ctx context.Context, asins, postalCodes []string, workers int, source string) (*database.ScrapeJob, error)
	GetJob(ctx context.Context, id uuid.UUID) (*database.ScrapeJob, error)
	ListJobs(ctx context.Context) ([]*database.ScrapeJob, error)
	JobReport(ctx context.Context, id uuid.UUID) (*database.ScrapeJob, []*database.OfferObservation, error)
	GetStats(ctx context.Context) (*jobs.Stats, error)
}

type outboxCounter interface {
	PendingCount(ctx context.Context) (int64, error)
	DeadLetterCount(ctx context.Context) (int64, error)
}

type Handlers struct {
	jobs   jobService
	outbox outboxCounter
	logger *slog.Logger
}

func NewHandlers(manager *jobs.Manager, outbox *database.OutboxRepository, logger *slog.Logger) *Handlers {
	return &Handlers{
		jobs:   manager,
		outbox: outbox,
		logger: logger.With("component", "api"),
	}
}

// CreateJobRequest represents a new scrape job request
type CreateJobRequest struct {
	ASINs       []string `json:"asins"`
	PostalCodes []string `json:"postal_codes"`
	Workers     int      `json:"workers"`
}

// CreateJobResponse acknowledges an accepted job
type CreateJobResponse struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	TotalUnits int    `json:"total_units"`
}

// CreateJob accepts a scrape job and queues it for the background runner
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := h.jobs.CreateJob(r.Context(), req.ASINs, req.PostalCodes, req.Workers, "api")
	if err != nil {
		if errors.Is(err, database.ErrInvalidJob) {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to create job", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	h.respondJSON(w, http.StatusAccepted, CreateJobResponse{
		JobID:      job.ID.String(),
		Status:     string(job.Status),
		TotalUnits: job.TotalUnits,
	})
}

// GetJob handles job status retrieval
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid job ID")
		return
	}

	job, err := h.jobs.GetJob(r.Context(), id)
	if errors.Is(err, database.ErrJobNotFound) {
		h.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get job", "error", err, "id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	h.respondJSON(w, http.StatusOK, job)
}

// ListJobs handles listing recent jobs
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := h.jobs.ListJobs(r.Context())
	if err != nil {
		h.logger.Error("failed to list jobs", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	h.respondJSON(w, http.StatusOK, list)
}

// JobReportResponse bundles a job with its observations
type JobReportResponse struct {
	Job          *database.ScrapeJob          `json:"job"`
	Observations []*database.OfferObservation `json:"observations"`
}

// GetJobReport returns a job's full report, one row per work unit
func (h *Handlers) GetJobReport(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid job ID")
		return
	}

	job, observations, err := h.jobs.JobReport(r.Context(), id)
	if errors.Is(err, database.ErrJobNotFound) {
		h.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get job report", "error", err, "id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to get report")
		return
	}

	h.respondJSON(w, http.StatusOK, JobReportResponse{Job: job, Observations: observations})
}

// GetStats handles statistics retrieval
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.jobs.GetStats(r.Context())
	if err != nil {
		h.logger.Error("failed to get stats", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	h.respondJSON(w, http.StatusOK, stats)
}

// Health reports liveness plus outbox backlog. A growing dead letter
// count means events are being dropped after all retries.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	pending, err := h.outbox.PendingCount(r.Context())
	if err != nil {
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "error",
			"message": "database unreachable",
		})
		return
	}

	deadLetter, err := h.outbox.DeadLetterCount(r.Context())
	if err != nil {
		h.logger.Error("failed to count dead letter events", "error", err)
	}

	health := map[string]any{
		"status": "ok",
		"outbox": map[string]int64{
			"pending":     pending,
			"dead_letter": deadLetter,
		},
	}

	status := http.StatusOK
	if pending > 1000 {
		health["status"] = "warning"
		health["message"] = "high number of pending outbox events"
	}
	if deadLetter > 100 {
		health["status"] = "error"
		health["message"] = "high number of dead letter events"
		status = http.StatusServiceUnavailable
	}

	h.respondJSON(w, status, health)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

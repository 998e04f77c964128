package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-patterns/internal/api/middleware"
	"github.com/dvloznov/finance-patterns/internal/domain"
	"github.com/dvloznov/finance-patterns/internal/jobs"
	"github.com/dvloznov/finance-patterns/internal/logger"
)

const (
	defaultDays = 30
	maxDays     = 366
)

// RecurringReader serves the recurring projections.
type RecurringReader interface {
	Upcoming(ctx context.Context, householdID string, days int) ([]domain.UpcomingPayment, error)
	PriceChanges(ctx context.Context, householdID string) ([]domain.PriceChange, error)
	MissedPayments(ctx context.Context, householdID string) ([]domain.MissedPayment, error)
}

// TransferReader serves transfer statistics.
type TransferReader interface {
	Statistics(ctx context.Context, householdID string, days int) (*domain.TransferStats, error)
}

// HouseholdsHandler handles the per-household endpoints.
type HouseholdsHandler struct {
	recurring RecurringReader
	transfers TransferReader
	publisher jobs.Publisher
	log       zerolog.Logger
}

// NewHouseholdsHandler creates a new households handler.
func NewHouseholdsHandler(rr RecurringReader, tr TransferReader, publisher jobs.Publisher, log zerolog.Logger) *HouseholdsHandler {
	return &HouseholdsHandler{
		recurring: rr,
		transfers: tr,
		publisher: publisher,
		log:       log,
	}
}

// Upcoming handles GET /api/households/{householdID}/recurring/upcoming
func (h *HouseholdsHandler) Upcoming(w http.ResponseWriter, r *http.Request) {
	householdID := chi.URLParam(r, "householdID")
	days, ok := parseDays(w, r)
	if !ok {
		return
	}

	payments, err := h.recurring.Upcoming(r.Context(), householdID, days)
	if err != nil {
		h.reqLog(r).Error().Err(err).Str("household_id", householdID).Msg("Failed to list upcoming payments")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list upcoming payments")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"upcoming": payments,
		"count":    len(payments),
		"days":     days,
	})
}

// PriceChanges handles GET /api/households/{householdID}/recurring/price-changes
func (h *HouseholdsHandler) PriceChanges(w http.ResponseWriter, r *http.Request) {
	householdID := chi.URLParam(r, "householdID")

	changes, err := h.recurring.PriceChanges(r.Context(), householdID)
	if err != nil {
		h.reqLog(r).Error().Err(err).Str("household_id", householdID).Msg("Failed to list price changes")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list price changes")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"price_changes": changes,
		"count":         len(changes),
	})
}

// Missed handles GET /api/households/{householdID}/recurring/missed
func (h *HouseholdsHandler) Missed(w http.ResponseWriter, r *http.Request) {
	householdID := chi.URLParam(r, "householdID")

	missed, err := h.recurring.MissedPayments(r.Context(), householdID)
	if err != nil {
		h.reqLog(r).Error().Err(err).Str("household_id", householdID).Msg("Failed to list missed payments")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list missed payments")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"missed": missed,
		"count":  len(missed),
	})
}

// TransferStats handles GET /api/households/{householdID}/transfers/stats
func (h *HouseholdsHandler) TransferStats(w http.ResponseWriter, r *http.Request) {
	householdID := chi.URLParam(r, "householdID")
	days, ok := parseDays(w, r)
	if !ok {
		return
	}

	stats, err := h.transfers.Statistics(r.Context(), householdID, days)
	if err != nil {
		h.reqLog(r).Error().Err(err).Str("household_id", householdID).Msg("Failed to compute transfer statistics")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to compute transfer statistics")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, stats)
}

// Detect handles POST /api/households/{householdID}/detect
func (h *HouseholdsHandler) Detect(w http.ResponseWriter, r *http.Request) {
	householdID := chi.URLParam(r, "householdID")

	job := &jobs.HouseholdJob{HouseholdID: householdID}
	if err := h.publisher.PublishHousehold(r.Context(), job); err != nil {
		h.reqLog(r).Error().Err(err).Str("household_id", householdID).Msg("Failed to enqueue detection job")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue detection job")
		return
	}

	h.reqLog(r).Info().Str("job_id", job.JobID).Str("household_id", householdID).Msg("Detection job enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id":       job.JobID,
		"household_id": householdID,
		"status":       string(job.Status),
	})
}

func (h *HouseholdsHandler) reqLog(r *http.Request) *zerolog.Logger {
	if l, ok := r.Context().Value(logger.LoggerKey).(zerolog.Logger); ok {
		return &l
	}
	return &h.log
}

// parseDays reads the optional days query parameter, writing a 400 when it
// is malformed.
func parseDays(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("days")
	if raw == "" {
		return defaultDays, true
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 1 || days > maxDays {
		middleware.WriteError(w, http.StatusBadRequest, "days must be an integer between 1 and 366")
		return 0, false
	}
	return days, true
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
	log   zerolog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		store: store,
		log:   log,
	}
}

// GetJob handles GET /api/jobs/{jobID}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := h.store.GetJob(r.Context(), jobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobs.JobFilter{
		HouseholdID: query.Get("household_id"),
		Status:      jobs.JobStatus(query.Get("status")),
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	jobsList, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}

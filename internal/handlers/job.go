package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/draftworks/listing-api/internal/apperror"
	"github.com/draftworks/listing-api/internal/models"
	"github.com/draftworks/listing-api/internal/monitor"
	"github.com/draftworks/listing-api/internal/repository"
)

// RunNotifier wakes the job poller after a job becomes claimable.
type RunNotifier interface {
	Notify()
}

type JobHandler struct {
	store    repository.JobStore
	monitor  *monitor.Monitor
	notifier RunNotifier
	logger   zerolog.Logger
}

func NewJobHandler(store repository.JobStore, mon *monitor.Monitor, notifier RunNotifier, logger zerolog.Logger) *JobHandler {
	return &JobHandler{
		store:    store,
		monitor:  mon,
		notifier: notifier,
		logger:   logger,
	}
}

type createJobRequest struct {
	JobID         string `json:"job_id"`
	ItemSource    string `json:"item_source"`
	PublishDrafts bool   `json:"publish_drafts"`
}

func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperror.New(apperror.BadRequest, "invalid request payload"))
		return
	}
	req.ItemSource = strings.TrimSpace(req.ItemSource)
	if req.ItemSource == "" {
		respondError(w, apperror.New(apperror.BadRequest, "item_source is required"))
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	job := &models.Job{
		ID:            req.JobID,
		ItemSource:    req.ItemSource,
		PublishDrafts: req.PublishDrafts,
	}
	if err := h.store.CreateJob(r.Context(), job); err != nil {
		respondError(w, err)
		return
	}
	h.logger.Info().Str("job_id", job.ID).Str("source", job.ItemSource).Msg("job created")
	if h.notifier != nil {
		h.notifier.Notify()
	}
	respondJSON(w, http.StatusCreated, job)
}

func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), mux.Vars(r)["jobID"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.StatusPending, models.StatusRunning, models.StatusCompleted, models.StatusFailed:
	default:
		respondError(w, apperror.New(apperror.BadRequest, "unknown status filter"))
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}

	jobs, err := h.store.ListJobs(r.Context(), status, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}

func (h *JobHandler) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]
	if _, err := h.store.GetJob(r.Context(), jobID); err != nil {
		respondError(w, err)
		return
	}
	cps, err := h.store.Checkpoints(r.Context(), jobID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cps)
}

func (h *JobHandler) ListFailedItems(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]
	if _, err := h.store.GetJob(r.Context(), jobID); err != nil {
		respondError(w, err)
		return
	}
	items, err := h.store.FailedItems(r.Context(), jobID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, items)
}

// RecoverJob queues a failed or stalled job for another run segment. Conflicts
// (completed, actively running) and an exhausted recovery budget surface as
// 409 and 410 respectively.
func (h *JobHandler) RecoverJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.monitor.Recover(r.Context(), mux.Vars(r)["jobID"])
	if err != nil {
		respondError(w, err)
		return
	}
	if h.notifier != nil {
		h.notifier.Notify()
	}
	respondJSON(w, http.StatusAccepted, job)
}

// ScanJobs triggers an immediate health scan instead of waiting for the next
// monitor tick.
func (h *JobHandler) ScanJobs(w http.ResponseWriter, r *http.Request) {
	report, err := h.monitor.Scan(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if h.notifier != nil && len(report.Recovered) > 0 {
		h.notifier.Notify()
	}
	respondJSON(w, http.StatusOK, report)
}

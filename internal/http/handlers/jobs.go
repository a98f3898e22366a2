package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"mediagen/internal/domain"
	"mediagen/internal/notify"
	"mediagen/internal/orchestrator"
)

type generateRequest struct {
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio"`
	Locale      string `json:"locale"`
}

type generateResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type jobView struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	State        string          `json:"state"`
	ResultRef    string          `json:"result_ref,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Cost         int64           `json:"cost"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
	CompletedAt  string          `json:"completed_at,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

func viewOf(job *domain.Job) jobView {
	v := jobView{
		ID:           job.ID,
		Kind:         string(job.Kind),
		Provider:     job.Provider,
		Model:        job.Model,
		State:        string(job.State),
		ResultRef:    job.ResultRef,
		ErrorMessage: job.ErrorMessage,
		Cost:         job.Cost,
		CreatedAt:    job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.Format(time.RFC3339),
		Payload:      job.Payload,
	}
	if job.CompletedAt != nil {
		v.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	return v
}

// GenerationsCreate accepts a generation request and returns the job id
// without waiting for the provider.
func (a *App) GenerationsCreate(w http.ResponseWriter, r *http.Request) {
	owner := a.currentOwner(r)
	if owner == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner context")
		return
	}
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	jobID, err := a.Coordinator.Start(r.Context(), orchestrator.StartRequest{
		Owner:       owner,
		Model:       req.Model,
		Prompt:      req.Prompt,
		AspectRatio: req.AspectRatio,
		Locale:      req.Locale,
	})
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusAccepted, generateResponse{JobID: jobID, Status: string(domain.JobStatePending)})
}

// GenerationStatus returns the durable job row together with the live
// notification, if one exists.
func (a *App) GenerationStatus(w http.ResponseWriter, r *http.Request) {
	owner := a.currentOwner(r)
	if owner == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}

	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	if job.Owner != owner {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	resp := map[string]any{"job": viewOf(job)}
	if n, err := a.Hub.Load(r.Context(), jobID); err == nil {
		resp["notification"] = n
	}
	a.json(w, http.StatusOK, resp)
}

// GenerationsList returns the owner's most recent jobs.
func (a *App) GenerationsList(w http.ResponseWriter, r *http.Request) {
	owner := a.currentOwner(r)
	if owner == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner context")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	jobs, err := a.Jobs.ListByOwner(r.Context(), owner, limit)
	if err != nil {
		a.domainError(w, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, viewOf(job))
	}
	a.json(w, http.StatusOK, map[string]any{"jobs": views})
}

// GenerationCancel requests cooperative cancellation of a live job.
func (a *App) GenerationCancel(w http.ResponseWriter, r *http.Request) {
	owner := a.currentOwner(r)
	if owner == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if err := a.Coordinator.Cancel(r.Context(), owner, jobID); err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "cancel_requested"})
}

// GenerationRetry resubmits a finished job's payload snapshot as a fresh job.
func (a *App) GenerationRetry(w http.ResponseWriter, r *http.Request) {
	owner := a.currentOwner(r)
	if owner == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	newID, err := a.Coordinator.Retry(r.Context(), owner, jobID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusAccepted, generateResponse{JobID: newID, Status: string(domain.JobStatePending)})
}

// NotificationsList returns the owner's live notifications plus the pub/sub
// channel UI consumers should subscribe to.
func (a *App) NotificationsList(w http.ResponseWriter, r *http.Request) {
	owner := a.currentOwner(r)
	if owner == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner context")
		return
	}

	live := a.Coordinator.LiveJobs(owner)
	notifications := make([]*notify.Notification, 0, len(live))
	for _, jobID := range live {
		if n, ok := a.Hub.Get(jobID); ok {
			notifications = append(notifications, n)
		}
	}
	a.json(w, http.StatusOK, map[string]any{
		"notifications": notifications,
		"channel":       notify.ChannelFor(owner),
	})
}

// Models lists the offered model names.
func (a *App) Models(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]any{"models": a.Catalog.Models()})
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"productlab/internal/domain"
	"productlab/internal/metrics"
	"productlab/internal/middleware"
	"productlab/internal/pricing"
	"productlab/internal/processor/replicate"
)

const maxCreateBody = 1 << 20

type createJobRequest struct {
	Type        domain.JobType  `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CostAmount  int64           `json:"cost_amount"`
	TraceID     string          `json:"trace_id"`
	ClientJobID string          `json:"client_job_id"`
	FEAttempt   int             `json:"fe_attempt"`
}

type createJobResponse struct {
	JobID     string           `json:"job_id"`
	Status    domain.JobStatus `json:"status"`
	Duplicate bool             `json:"duplicate,omitempty"`
}

// jobView is what polling clients see. Result fields are only filled once
// the job succeeded, except for progressive batch snapshots.
type jobView struct {
	ID          string           `json:"id"`
	Type        domain.JobType   `json:"type"`
	Status      domain.JobStatus `json:"status"`
	CostAmount  int64            `json:"cost_amount"`
	ResultURL   string           `json:"result_url,omitempty"`
	ResultData  json.RawMessage  `json:"result_data,omitempty"`
	Error       *errorBody       `json:"error,omitempty"`
	TraceID     string           `json:"trace_id,omitempty"`
	ClientJobID string           `json:"client_job_id,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

func newJobView(job *domain.Job) jobView {
	view := jobView{
		ID:          job.ID,
		Type:        job.Type,
		Status:      job.Status,
		CostAmount:  job.CostAmount,
		ResultURL:   job.ResultURL,
		ResultData:  job.ResultData,
		TraceID:     job.TraceID,
		ClientJobID: job.ClientJobID,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
	// A successful batch may still carry BATCH_PARTIAL_FAILED.
	if job.ErrorCode != "" {
		view.Error = &errorBody{Code: job.ErrorCode, Message: job.ErrorMessage}
	}
	return view
}

// CreateJob validates the payload, stores the job with its first task and
// announces it to the workers.
func (a *App) CreateJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.fail(w, r, domain.ErrUnauthorized)
		return
	}
	var req createJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBody)).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, string(domain.CodeInvalidPayload), "Request body must be a JSON object.")
		return
	}
	req.Type = domain.JobType(strings.ToUpper(strings.TrimSpace(string(req.Type))))
	payload, err := domain.DecodePayload(req.Type, req.Payload)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if analysis, ok := payload.(*domain.AnalysisPayload); ok && analysis.Language == "" {
		analysis.Language = middleware.LocaleFromContext(r.Context())
	}
	normalized, err := json.Marshal(payload)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	clientJobID := strings.TrimSpace(req.ClientJobID)
	job := &domain.Job{
		ID:          a.newID(),
		UserID:      userID,
		Type:        req.Type,
		Payload:     normalized,
		CostAmount:  estimateCost(payload, a.DefaultModel),
		TraceID:     strings.TrimSpace(req.TraceID),
		ClientJobID: clientJobID,
		FEAttempt:   req.FEAttempt,
	}
	if req.CostAmount != 0 && req.CostAmount != job.CostAmount {
		a.Logger.Debug().Int64("client", req.CostAmount).Int64("server", job.CostAmount).Msg("api: client cost ignored")
	}

	ctx := r.Context()
	task := &domain.Task{ID: a.newID(), JobID: job.ID, Type: job.Type}
	if err := a.Jobs.CreateJob(ctx, job, task); err != nil {
		if errors.Is(err, domain.ErrDuplicateOperation) && clientJobID != "" {
			existing, getErr := a.Jobs.GetJobByClientID(ctx, userID, clientJobID)
			if getErr != nil {
				a.fail(w, r, getErr)
				return
			}
			a.json(w, http.StatusOK, createJobResponse{JobID: existing.ID, Status: existing.Status, Duplicate: true})
			return
		}
		a.fail(w, r, err)
		return
	}
	metrics.JobsSubmitted.WithLabelValues(string(job.Type)).Inc()

	// The poll loop picks the task up when the announcement is lost.
	if a.Dispatcher != nil {
		if err := a.Dispatcher.Dispatch(ctx, job.ID); err != nil {
			a.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("api: dispatch failed")
		}
	}
	a.Logger.Info().
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Int64("cost", job.CostAmount).
		Str("trace_id", job.TraceID).
		Msg("api: job created")
	a.json(w, http.StatusAccepted, createJobResponse{JobID: job.ID, Status: job.Status})
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.fail(w, r, domain.ErrUnauthorized)
		return
	}
	job, err := a.loadJobForUser(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, newJobView(job))
}

// NudgeJob re-announces a processing job. Nudging a finished job is a no-op;
// the worker claim makes duplicates harmless either way.
func (a *App) NudgeJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.fail(w, r, domain.ErrUnauthorized)
		return
	}
	job, err := a.loadJobForUser(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if job.Status.Terminal() || a.Nudger == nil {
		if job.Status.Terminal() {
			metrics.Nudges.WithLabelValues("terminal").Inc()
		}
		a.json(w, http.StatusAccepted, map[string]any{"nudged": false, "status": job.Status})
		return
	}
	nudged, err := a.Nudger.Nudge(r.Context(), job.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]any{"nudged": nudged, "status": job.Status})
}

// estimateCost is the credit amount reserved on the job row. Workers charge
// the real amount per attempt or per unit.
func estimateCost(payload domain.Payload, defaultModel string) int64 {
	model := func(m string) string {
		if m = strings.TrimSpace(m); m != "" {
			return m
		}
		return defaultModel
	}
	switch p := payload.(type) {
	case *domain.ImageGenPayload:
		return pricing.Cost(model(p.Model), p.Turbo, p.Resolution)
	case *domain.ReplicatePayload:
		return pricing.Cost(model(p.Model), false, p.Resolution) * int64(len(replicate.PlanUnits(p)))
	}
	return 0
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"productlab/internal/dispatch"
	"productlab/internal/domain"
	"productlab/internal/infra"
	"productlab/internal/middleware"
	"productlab/internal/processor"
	"productlab/internal/providers"
)

// JobRepository is the part of the job store the API writes and reads.
type JobRepository interface {
	CreateJob(ctx context.Context, job *domain.Job, task *domain.Task) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	GetJobByClientID(ctx context.Context, userID, clientJobID string) (*domain.Job, error)
}

type Nudger interface {
	Nudge(ctx context.Context, jobID string) (bool, error)
}

// JobEvents streams change notifications for one job.
type JobEvents interface {
	Subscribe(ctx context.Context, jobID string) (<-chan domain.JobEvent, error)
}

type App struct {
	Jobs         JobRepository
	Dispatcher   dispatch.Dispatcher
	Nudger       Nudger
	Events       JobEvents
	Chat         providers.ChatStreamer
	Fetcher      processor.ImageFetcher
	DefaultModel string
	Logger       infra.Logger

	newID func() string
}

func NewApp(app App) *App {
	app.Logger = infra.Component(app.Logger, "api")
	if app.newID == nil {
		app.newID = uuid.NewString
	}
	return &app
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// fail maps a store or domain error onto an HTTP response.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "NOT_FOUND", "Job not found.")
		return
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing user context.")
		return
	case errors.Is(err, domain.ErrInsufficientCredits):
		a.error(w, http.StatusPaymentRequired, string(domain.CodeInsufficientCredits), domain.DefaultMessage(domain.CodeInsufficientCredits))
		return
	}
	if coded, ok := domain.AsError(err); ok && !coded.Retryable {
		a.error(w, http.StatusBadRequest, string(coded.Code), coded.Message)
		return
	}
	a.Logger.Error().Err(err).
		Str("path", r.URL.Path).
		Str("request_id", middleware.RequestIDFromContext(r.Context())).
		Msg("api: request failed")
	a.error(w, http.StatusInternalServerError, string(domain.CodeInternal), domain.DefaultMessage(domain.CodeInternal))
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

// loadJobForUser hides jobs of other users behind ErrNotFound.
func (a *App) loadJobForUser(ctx context.Context, jobID, userID string) (*domain.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.ErrNotFound
	}
	job, err := a.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

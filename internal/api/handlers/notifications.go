// Package handlers implements the HTTP handlers of the notification API:
// the operator-facing scheduling and control endpoints and the callback
// endpoints invoked by the external queue.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"remindq/internal/core"
	"remindq/internal/scheduler"
	"remindq/internal/types"
)

// QueryStore is the read side the notification handlers need.
type QueryStore interface {
	ListSessionJobs(ctx context.Context, sessionID string) ([]*types.Job, error)
	ListDeadLetters(ctx context.Context, page, pageSize int) ([]*types.DeadLetterEntry, error)
}

// SchedulerService is the scheduling surface the handlers invoke.
// *scheduler.Scheduler satisfies it.
type SchedulerService interface {
	ScheduleSessionNotifications(ctx context.Context, session types.Session, createdBy string) (*scheduler.ScheduleResult, error)
}

// ControlService is the control surface the handlers invoke.
// *scheduler.Control satisfies it.
type ControlService interface {
	CancelBatch(ctx context.Context, batchID string) (*scheduler.CancelResult, error)
	CancelRecipient(ctx context.Context, sessionID, email string) (*scheduler.CancelResult, error)
	RetryFailed(ctx context.Context, sessionID string) (*scheduler.RetryResult, error)
}

// Notifications holds the scheduling and control endpoints.
type Notifications struct {
	sched    SchedulerService
	ctrl     ControlService
	store    QueryStore
	validate *validator.Validate
	logger   *slog.Logger
}

// NewNotifications creates the Notifications handler set.
func NewNotifications(sched SchedulerService, ctrl ControlService, store QueryStore, logger *slog.Logger) *Notifications {
	return &Notifications{
		sched:    sched,
		ctrl:     ctrl,
		store:    store,
		validate: validator.New(),
		logger:   logger,
	}
}

// scheduleRequest is the session snapshot the caller provides; the session id
// comes from the URL. The record store stays the system of record, this
// subsystem only tracks the notifications derived from it.
type scheduleRequest struct {
	Title           string              `json:"title"`
	StartsAt        time.Time           `json:"starts_at" validate:"required"`
	DurationMinutes int                 `json:"duration_minutes" validate:"gte=0"`
	Participants    []types.Participant `json:"participants" validate:"required,min=1,dive"`
}

// scheduleResponse is the 200 no-op shape; a created batch answers 202 with
// the scheduler's result instead.
type scheduleResponse struct {
	Scheduled bool   `json:"scheduled"`
	BatchID   string `json:"batch_id,omitempty"`
	JobCount  int    `json:"job_count,omitempty"`
}

// Schedule handles POST /v1/sessions/{sessionID}/notifications.
func (h *Notifications) Schedule(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req scheduleRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	// Every send time is computed relative to the session start, so a missing
	// anchor gets its own error code rather than a generic field complaint.
	if req.StartsAt.IsZero() {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationNoAnchor,
			"starts_at is required to compute send times",
			nil,
		))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"invalid schedule request: "+err.Error(),
			err,
		))
		return
	}

	session := types.Session{
		ID:           sessionID,
		Title:        req.Title,
		StartsAt:     req.StartsAt,
		Duration:     time.Duration(req.DurationMinutes) * time.Minute,
		Participants: req.Participants,
	}

	res, err := h.sched.ScheduleSessionNotifications(r.Context(), session, types.GetActorID(r.Context()))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if res == nil {
		// Nothing to schedule (all send times elapsed, or no addressable
		// recipients). Deliberately a success, not an error.
		core.JSON(w, r, http.StatusOK, core.APIResponse{Data: scheduleResponse{Scheduled: false}})
		return
	}

	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: scheduleResponse{
		Scheduled: true,
		BatchID:   res.BatchID,
		JobCount:  res.JobCount,
	}})
}

// jobListResponse pairs the raw job list with the aggregate counts the UI
// renders above it.
type jobListResponse struct {
	Jobs    []*types.Job     `json:"jobs"`
	Summary types.JobSummary `json:"summary"`
}

// List handles GET /v1/sessions/{sessionID}/notifications.
func (h *Notifications) List(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	jobs, err := h.store.ListSessionJobs(r.Context(), sessionID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: jobListResponse{
		Jobs:    jobs,
		Summary: types.Summarize(jobs),
	}})
}

// Retry handles POST /v1/sessions/{sessionID}/notifications/retry.
func (h *Notifications) Retry(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	res, err := h.ctrl.RetryFailed(r.Context(), sessionID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: res})
}

type cancelRecipientRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// CancelRecipient handles POST /v1/sessions/{sessionID}/recipients/cancel.
func (h *Notifications) CancelRecipient(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req cancelRecipientRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidEmail,
			"a valid email is required",
			err,
		))
		return
	}

	res, err := h.ctrl.CancelRecipient(r.Context(), sessionID, req.Email)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: res})
}

// CancelBatch handles POST /v1/batches/{batchID}/cancel.
func (h *Notifications) CancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	res, err := h.ctrl.CancelBatch(r.Context(), batchID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: res})
}

// deadLetterListResponse is one page of dead letters plus the paging echo.
type deadLetterListResponse struct {
	DeadLetters []*types.DeadLetterEntry `json:"dead_letters"`
	Page        int                      `json:"page"`
	PageSize    int                      `json:"page_size"`
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// DeadLetters handles GET /v1/deadletters?page=&page_size=.
func (h *Notifications) DeadLetters(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	pageSize, err := queryInt(r, "page_size", defaultPageSize)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if page < 1 || pageSize < 1 || pageSize > maxPageSize {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidPage,
			"page must be >= 1 and page_size between 1 and 500",
			nil,
		))
		return
	}

	entries, err := h.store.ListDeadLetters(r.Context(), page, pageSize)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if entries == nil {
		entries = []*types.DeadLetterEntry{}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: deadLetterListResponse{
		DeadLetters: entries,
		Page:        page,
		PageSize:    pageSize,
	}})
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, types.NewAppError(
			types.ErrCodeValidationInvalidPage,
			name+" must be an integer",
			err,
		)
	}
	return v, nil
}

package scheduler

import (
	"context"
	"log/slog"

	"remindq/internal/external"
	"remindq/internal/store"
	"remindq/internal/types"
)

// Control implements the operator-facing batch and job controls: cancelling
// a whole batch, cancelling everything owed to one recipient, and retrying
// a session's failed jobs.
type Control struct {
	store  JobStore
	queue  external.DelayQueue
	sched  *Scheduler
	logger *slog.Logger
}

// NewControl creates a Control sharing the scheduler's store and queue.
func NewControl(st JobStore, queue external.DelayQueue, sched *Scheduler, logger *slog.Logger) *Control {
	return &Control{
		store:  st,
		queue:  queue,
		sched:  sched,
		logger: logger,
	}
}

// CancelResult reports how a cancellation request landed across the jobs it
// touched. Skipped counts jobs already in a terminal or processing state.
type CancelResult struct {
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
}

// RetryResult reports how a retry request landed. Considered is the number of
// failed jobs found; Retried of those re-entered the queue; Failed failed to
// re-enter and remain in the failed state with a fresh error.
type RetryResult struct {
	Considered int `json:"considered"`
	Retried    int `json:"retried"`
	Failed     int `json:"failed"`
}

// CancelBatch cancels every still-cancellable job in the batch. Queue
// messages are deleted best-effort; a delete failure is logged and the job is
// marked cancelled anyway, because the delivery handler re-checks job status
// at fire time and skips cancelled jobs. Jobs already processing or terminal
// are left untouched and counted as skipped. A batch already settled rejects
// the request outright with a conflict.
func (c *Control) CancelBatch(ctx context.Context, batchID string) (*CancelResult, error) {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status.Terminal() {
		return nil, types.NewAppError(types.ErrCodeConflictTerminal, "batch already settled: "+batchID, nil)
	}
	jobs, err := c.store.ListBatchJobs(ctx, batchID)
	if err != nil {
		return nil, err
	}

	var targets []*types.Job
	result := &CancelResult{}
	for _, job := range jobs {
		if job.Status.Cancellable() {
			targets = append(targets, job)
		} else {
			result.Skipped++
		}
	}
	if len(targets) == 0 {
		return result, nil
	}

	// Every cancellable job in the batch is going away, so every handle they
	// reference can be withdrawn from the queue outright.
	c.deleteHandles(ctx, distinctHandles(targets))

	updates := make([]store.JobUpdate, len(targets))
	for i, job := range targets {
		updates[i] = store.JobUpdate{JobID: job.ID, Status: types.JobCancelled}
	}
	if err := c.store.UpdateJobStatuses(ctx, updates); err != nil {
		return nil, err
	}
	result.Cancelled = len(targets)

	c.logger.InfoContext(ctx, "batch cancelled",
		"batch_id", batchID,
		"cancelled", result.Cancelled,
		"skipped", result.Skipped,
	)
	return result, nil
}

// CancelRecipient cancels every still-cancellable job owed to one email
// address across all of a session's batches. A queue message is deleted only
// when every job it covers is being cancelled here; a group message shared
// with other recipients stays in the queue, and the delivery handler skips
// the cancelled jobs at fire time. A session with no tracked notifications at
// all is a not-found, distinct from a session whose jobs just do not match.
func (c *Control) CancelRecipient(ctx context.Context, sessionID, email string) (*CancelResult, error) {
	jobs, err := c.store.ListSessionJobs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, types.NewAppError(types.ErrCodeNotFoundSession, "no notifications tracked for session: "+sessionID, nil)
	}

	var targets []*types.Job
	cancelling := make(map[string]bool)
	result := &CancelResult{}
	for _, job := range jobs {
		if job.RecipientEmail != email {
			continue
		}
		if job.Status.Cancellable() {
			targets = append(targets, job)
			cancelling[job.ID] = true
		} else {
			result.Skipped++
		}
	}
	if len(targets) == 0 {
		return result, nil
	}

	// A handle is safe to delete only if no surviving job still rides on it.
	shared := make(map[string]bool)
	for _, job := range jobs {
		if job.ExternalHandle != "" && !cancelling[job.ID] && !job.Status.Terminal() {
			shared[job.ExternalHandle] = true
		}
	}
	var deletable []string
	for _, h := range distinctHandles(targets) {
		if !shared[h] {
			deletable = append(deletable, h)
		}
	}
	c.deleteHandles(ctx, deletable)

	updates := make([]store.JobUpdate, len(targets))
	for i, job := range targets {
		updates[i] = store.JobUpdate{JobID: job.ID, Status: types.JobCancelled}
	}
	if err := c.store.UpdateJobStatuses(ctx, updates); err != nil {
		return nil, err
	}
	result.Cancelled = len(targets)

	c.logger.InfoContext(ctx, "recipient notifications cancelled",
		"session_id", sessionID,
		"cancelled", result.Cancelled,
		"skipped", result.Skipped,
	)
	return result, nil
}

// RetryFailed re-queues every failed job of a session. Each job is first
// reset to pending with its error and stale handle cleared, its ScheduledFor
// and attempt count untouched, then republished in fresh groups. A scheduled
// time already in the past publishes with zero delay, firing immediately.
// A session with no tracked notifications at all is a not-found.
func (c *Control) RetryFailed(ctx context.Context, sessionID string) (*RetryResult, error) {
	jobs, err := c.store.ListSessionJobs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, types.NewAppError(types.ErrCodeNotFoundSession, "no notifications tracked for session: "+sessionID, nil)
	}

	var targets []*types.Job
	for _, job := range jobs {
		if job.Status == types.JobFailed {
			targets = append(targets, job)
		}
	}
	result := &RetryResult{Considered: len(targets)}
	if len(targets) == 0 {
		return result, nil
	}

	resets := make([]store.JobUpdate, len(targets))
	for i, job := range targets {
		resets[i] = store.JobUpdate{
			JobID:       job.ID,
			Status:      types.JobPending,
			ClearError:  true,
			ClearHandle: true,
		}
		job.Status = types.JobPending
		job.LastError = ""
		job.ExternalHandle = ""
	}
	if err := c.store.UpdateJobStatuses(ctx, resets); err != nil {
		return nil, err
	}

	for _, grp := range GroupJobs(targets) {
		if len(grp.Jobs) == 1 {
			job := grp.Jobs[0]
			handle, pubErr := c.sched.ScheduleSingleJob(ctx, job)
			upd := store.JobUpdate{JobID: job.ID}
			if pubErr != nil {
				upd.Status = types.JobFailed
				upd.Error = pubErr.Error()
				result.Failed++
			} else {
				upd.Status = types.JobScheduled
				upd.ExternalHandle = handle
				result.Retried++
			}
			if updErr := c.store.UpdateJobStatuses(ctx, []store.JobUpdate{upd}); updErr != nil {
				c.logger.ErrorContext(ctx, "failed to record retry outcome",
					"job_id", job.ID,
					"error", updErr.Error(),
				)
			}
			continue
		}

		if pubErr := c.sched.publishGroup(ctx, grp, "retry-"+sessionID); pubErr != nil {
			result.Failed += len(grp.Jobs)
		} else {
			result.Retried += len(grp.Jobs)
		}
	}

	c.logger.InfoContext(ctx, "failed jobs retried",
		"session_id", sessionID,
		"considered", result.Considered,
		"retried", result.Retried,
		"failed", result.Failed,
	)
	return result, nil
}

// distinctHandles collects the unique non-empty external handles of jobs.
func distinctHandles(jobs []*types.Job) []string {
	seen := make(map[string]bool)
	var handles []string
	for _, job := range jobs {
		if job.ExternalHandle != "" && !seen[job.ExternalHandle] {
			seen[job.ExternalHandle] = true
			handles = append(handles, job.ExternalHandle)
		}
	}
	return handles
}

// deleteHandles withdraws queue messages best-effort. Failures are logged
// only; the stored cancelled status is the authoritative signal either way.
func (c *Control) deleteHandles(ctx context.Context, handles []string) {
	for _, handle := range handles {
		if err := c.queue.Delete(ctx, handle); err != nil {
			c.logger.WarnContext(ctx, "queue message delete failed, relying on delivery-time status check",
				"handle", handle,
				"error", err.Error(),
			)
		}
	}
}

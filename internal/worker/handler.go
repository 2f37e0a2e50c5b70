// Package worker executes the delivery side of the notification pipeline:
// the external queue fires a group message back at its scheduled time and the
// handler sends one email per still-eligible recipient, recording outcomes on
// the job store. The queue delivers at-least-once, so every entry point is an
// idempotency check first and a side effect second.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"remindq/internal/external"
	"remindq/internal/store"
	"remindq/internal/types"
)

// JobStore is the store subset the worker needs.
type JobStore interface {
	GetJobs(ctx context.Context, jobIDs []string) ([]*types.Job, error)
	UpdateJobStatuses(ctx context.Context, updates []store.JobUpdate) error
	AppendDeadLetters(ctx context.Context, entries []*types.DeadLetterEntry) error
}

// Handler processes queue callbacks.
type Handler struct {
	store    JobStore
	provider external.EmailProvider
	from     types.EmailAddress
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(st JobStore, provider external.EmailProvider, from types.EmailAddress, logger *slog.Logger) *Handler {
	return &Handler{
		store:    st,
		provider: provider,
		from:     from,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleDelivery processes one fired group message: look the jobs back up,
// skip everything the store says is already settled, mark the rest
// processing, send one email per eligible recipient, and record per-recipient
// outcomes in one batched update. A job that still lacks an external handle,
// because the publish outcome never made it to the store, adopts the
// delivering message's id while being claimed.
//
// Idempotency: completed, cancelled and failed jobs are silent no-ops, so a
// queue redelivery or an operator replay never double-sends. A job found in
// processing is re-attempted; that state means a previous invocation died
// mid-send, and re-sending is the at-least-once contract this pipeline
// accepts.
//
// An error return signals the queue to retry the whole message; per-recipient
// provider failures are contained as job state and do not trigger it.
func (h *Handler) HandleDelivery(ctx context.Context, msg types.GroupMessage, messageID string, retried int) error {
	jobIDs := make([]string, len(msg.Recipients))
	for i, r := range msg.Recipients {
		jobIDs[i] = r.JobID
	}

	jobs, err := h.store.GetJobs(ctx, jobIDs)
	if err != nil {
		return err
	}
	byID := make(map[string]*types.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}

	var eligible []types.JobRecipient
	for _, r := range msg.Recipients {
		job, ok := byID[r.JobID]
		if !ok {
			h.logger.WarnContext(ctx, "delivery for expired job, skipping",
				"job_id", r.JobID, "trace_id", msg.TraceID)
			continue
		}
		if job.Status.Terminal() {
			h.logger.InfoContext(ctx, "delivery for settled job, skipping",
				"job_id", job.ID, "status", string(job.Status), "trace_id", msg.TraceID)
			continue
		}
		eligible = append(eligible, r)
	}
	if len(eligible) == 0 {
		return nil
	}

	// Claim before sending so a concurrent redelivery observes processing and
	// the attempt count reflects real provider calls.
	claims := make([]store.JobUpdate, len(eligible))
	for i, r := range eligible {
		claim := store.JobUpdate{
			JobID:            r.JobID,
			Status:           types.JobProcessing,
			IncrementAttempt: true,
		}
		// A job with no handle here means its publish outcome was never
		// recorded; the message delivering it identifies the queue entry,
		// so adopt it as the handle.
		if byID[r.JobID].ExternalHandle == "" && messageID != "" {
			claim.ExternalHandle = messageID
		}
		claims[i] = claim
	}
	if err := h.store.UpdateJobStatuses(ctx, claims); err != nil {
		return err
	}

	outcomes := make([]store.JobUpdate, 0, len(eligible))
	var sent, failed int
	for _, r := range eligible {
		receipt, sendErr := h.sendOne(ctx, msg, r)
		if sendErr != nil {
			failed++
			outcomes = append(outcomes, store.JobUpdate{
				JobID:  r.JobID,
				Status: types.JobFailed,
				Error:  sendErr.Error(),
			})
			h.logger.ErrorContext(ctx, "email send failed",
				"job_id", r.JobID,
				"kind", string(msg.Kind),
				"trace_id", msg.TraceID,
				"error", sendErr.Error(),
			)
			continue
		}
		sent++
		outcomes = append(outcomes, store.JobUpdate{
			JobID:           r.JobID,
			Status:          types.JobCompleted,
			ProviderReceipt: receipt,
		})
	}

	if err := h.store.UpdateJobStatuses(ctx, outcomes); err != nil {
		return err
	}

	h.logger.InfoContext(ctx, "group delivery processed",
		"batch_id", msg.BatchID,
		"kind", string(msg.Kind),
		"message_id", messageID,
		"retried", retried,
		"sent", sent,
		"failed", failed,
		"skipped", len(msg.Recipients)-len(eligible),
		"trace_id", msg.TraceID,
	)
	return nil
}

// sendOne renders and sends the email for one recipient.
func (h *Handler) sendOne(ctx context.Context, msg types.GroupMessage, r types.JobRecipient) (string, error) {
	rendered, err := RenderEmail(msg.Kind, r.Name, msg.TemplateMeta)
	if err != nil {
		return "", err
	}
	return h.provider.Send(ctx, types.SendInput{
		To:          r.Email,
		ToName:      r.Name,
		From:        h.from,
		Subject:     rendered.Subject,
		BodyHTML:    rendered.BodyHTML,
		BodyText:    rendered.BodyText,
		ReferenceID: r.JobID,
	})
}

// HandleFailure processes the queue's terminal failure callback: the queue
// exhausted its delivery attempts for a group message and is abandoning it.
// Every job of the group not already settled is marked failed and a
// dead-letter entry preserving the original payload is recorded for manual
// follow-up. Settled jobs are skipped, so a duplicate failure callback
// neither flips a completed job nor duplicates its dead letter.
func (h *Handler) HandleFailure(ctx context.Context, env types.CallbackEnvelope) error {
	var msg types.GroupMessage
	if err := json.Unmarshal(env.Body, &msg); err != nil {
		return types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"failure callback body is not a group message",
			err,
		)
	}

	jobIDs := make([]string, len(msg.Recipients))
	for i, r := range msg.Recipients {
		jobIDs[i] = r.JobID
	}
	jobs, err := h.store.GetJobs(ctx, jobIDs)
	if err != nil {
		return err
	}

	reason := "delivery attempts exhausted"
	if env.Error != "" {
		reason = fmt.Sprintf("delivery attempts exhausted: %s", env.Error)
	}

	now := h.now().UTC()
	var updates []store.JobUpdate
	var entries []*types.DeadLetterEntry
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		updates = append(updates, store.JobUpdate{
			JobID:  job.ID,
			Status: types.JobFailed,
			Error:  reason,
		})
		entries = append(entries, &types.DeadLetterEntry{
			ID:             "dlq_" + uuid.New().String(),
			JobID:          job.ID,
			BatchID:        job.BatchID,
			SessionID:      job.SessionID,
			RecipientEmail: job.RecipientEmail,
			Error:          reason,
			AttemptCount:   env.Retried,
			Payload:        env.Body,
			CreatedAt:      now,
		})
	}
	if len(updates) == 0 {
		h.logger.InfoContext(ctx, "failure callback for settled group, skipping",
			"message_id", env.MessageID, "trace_id", msg.TraceID)
		return nil
	}

	if err := h.store.UpdateJobStatuses(ctx, updates); err != nil {
		return err
	}
	if err := h.store.AppendDeadLetters(ctx, entries); err != nil {
		return err
	}

	h.logger.WarnContext(ctx, "group delivery abandoned by queue",
		"batch_id", msg.BatchID,
		"kind", string(msg.Kind),
		"message_id", env.MessageID,
		"retried", env.Retried,
		"dead_lettered", len(entries),
		"trace_id", msg.TraceID,
	)
	return nil
}

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"remindq/internal/external"
	"remindq/internal/store"
	"remindq/internal/types"
)

// JobStore is the subset of the job store the scheduler and the control
// operations require. *store.Store satisfies it; tests inject fakes.
type JobStore interface {
	CreateBatch(ctx context.Context, batch *types.Batch, jobs []*types.Job) error
	UpdateJobStatuses(ctx context.Context, updates []store.JobUpdate) error
	GetBatch(ctx context.Context, batchID string) (*types.Batch, error)
	ListBatchJobs(ctx context.Context, batchID string) ([]*types.Job, error)
	ListSessionJobs(ctx context.Context, sessionID string) ([]*types.Job, error)
}

// Config holds the scheduler tunables and the callback endpoints registered
// with every published message.
type Config struct {
	// GraceWindow is how far in the past a computed send time may fall and
	// still be scheduled with zero delay instead of dropped.
	GraceWindow time.Duration

	// DeliveryURL is the worker endpoint the queue fires at send time.
	// FailureURL is invoked once the queue exhausts its delivery attempts.
	DeliveryURL string
	FailureURL  string

	// Retries is the per-message delivery attempt budget handed to the queue.
	Retries int

	// FlowControlKey/Parallelism form the rate-control directive capping
	// concurrent worker invocations, protecting the delivery provider.
	FlowControlKey string
	Parallelism    int

	// PublishConcurrency bounds concurrent publish calls during fan-out.
	PublishConcurrency int
}

// ScheduleResult reports a successful scheduling invocation.
type ScheduleResult struct {
	BatchID  string `json:"batch_id"`
	JobCount int    `json:"job_count"`
}

// Scheduler orchestrates notification scheduling: compute send times, persist
// batch and jobs atomically, group, publish one delayed message per group,
// and record each group's publish outcome.
type Scheduler struct {
	store  JobStore
	queue  external.DelayQueue
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Scheduler.
func New(st JobStore, queue external.DelayQueue, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.PublishConcurrency < 1 {
		cfg.PublishConcurrency = 1
	}
	return &Scheduler{
		store:  st,
		queue:  queue,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// ScheduleSessionNotifications creates and publishes the full set of
// notification jobs for one session. It returns (nil, nil), a logged no-op,
// when the session has no usable anchor time, no valid send times remain, or
// no participant has an email address. It returns an error only when the
// initial atomic persistence fails, i.e. when no jobs were created at all;
// publish failures are recorded per group as job state, and one group's
// failure never rolls back another's success.
func (s *Scheduler) ScheduleSessionNotifications(ctx context.Context, session types.Session, createdBy string) (*ScheduleResult, error) {
	now := s.now().UTC()

	sendTimes := SendTimes(session.StartsAt, session.Duration, s.cfg.GraceWindow, now)
	if len(sendTimes) == 0 {
		s.logger.InfoContext(ctx, "nothing to schedule",
			"session_id", session.ID,
			"starts_at", session.StartsAt,
		)
		return nil, nil
	}

	recipients := eligibleRecipients(session.Participants)
	if len(recipients) == 0 {
		s.logger.InfoContext(ctx, "nothing to schedule: no recipients with email",
			"session_id", session.ID,
		)
		return nil, nil
	}

	batch := &types.Batch{
		ID:           "batch_" + uuid.New().String(),
		SessionID:    session.ID,
		SessionLabel: sessionLabel(session),
		Status:       types.BatchPending,
		CreatedBy:    createdBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	meta := templateMeta(session)

	// Cross-product of recipient x applicable kind, in stable kind order.
	var jobs []*types.Job
	for _, kind := range types.AllKinds {
		sendAt, ok := sendTimes[kind]
		if !ok {
			continue
		}
		for _, p := range recipients {
			jobs = append(jobs, &types.Job{
				ID:             "job_" + uuid.New().String(),
				BatchID:        batch.ID,
				SessionID:      session.ID,
				Kind:           kind,
				RecipientEmail: p.Email,
				RecipientName:  p.Name,
				ScheduledFor:   sendAt,
				Status:         types.JobPending,
				TemplateMeta:   meta,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
		}
	}
	batch.Counters = types.BatchCounters{Total: len(jobs)}

	if err := s.store.CreateBatch(ctx, batch, jobs); err != nil {
		return nil, fmt.Errorf("scheduler: persisting batch: %w", err)
	}

	traceID := uuid.New().String()
	groups := GroupJobs(jobs)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.PublishConcurrency)
	for _, grp := range groups {
		g.Go(func() error {
			// Publish outcomes are contained per group: recorded as job
			// state, never propagated.
			_ = s.publishGroup(gctx, grp, traceID)
			return nil
		})
	}
	_ = g.Wait()

	s.logger.InfoContext(ctx, "session notifications scheduled",
		"session_id", session.ID,
		"batch_id", batch.ID,
		"job_count", len(jobs),
		"group_count", len(groups),
		"trace_id", traceID,
	)

	return &ScheduleResult{BatchID: batch.ID, JobCount: len(jobs)}, nil
}

// ScheduleSingleJob publishes one already-persisted job as a group of one
// and returns the external handle. The caller records the outcome against
// the job; this method only talks to the queue.
func (s *Scheduler) ScheduleSingleJob(ctx context.Context, job *types.Job) (string, error) {
	msg := types.GroupMessage{
		BatchID:      job.BatchID,
		SessionID:    job.SessionID,
		Kind:         job.Kind,
		ScheduledFor: job.ScheduledFor,
		Recipients: []types.JobRecipient{
			{JobID: job.ID, Email: job.RecipientEmail, Name: job.RecipientName},
		},
		TemplateMeta: job.TemplateMeta,
		TraceID:      uuid.New().String(),
	}
	return s.publish(ctx, msg)
}

// publishGroup publishes one group and records the outcome on every job in
// it with a single batched status update: scheduled + handle on success,
// failed + error text on publish failure. The returned error reflects the
// publish outcome only; recording failures are logged, never returned.
func (s *Scheduler) publishGroup(ctx context.Context, grp Group, traceID string) error {
	first := grp.Jobs[0]
	msg := types.GroupMessage{
		BatchID:      first.BatchID,
		SessionID:    first.SessionID,
		Kind:         grp.Kind,
		ScheduledFor: grp.ScheduledFor,
		Recipients:   make([]types.JobRecipient, 0, len(grp.Jobs)),
		TemplateMeta: first.TemplateMeta,
		TraceID:      traceID,
	}
	for _, job := range grp.Jobs {
		msg.Recipients = append(msg.Recipients, types.JobRecipient{
			JobID: job.ID,
			Email: job.RecipientEmail,
			Name:  job.RecipientName,
		})
	}

	handle, err := s.publish(ctx, msg)

	updates := make([]store.JobUpdate, 0, len(grp.Jobs))
	for _, job := range grp.Jobs {
		if err != nil {
			updates = append(updates, store.JobUpdate{
				JobID:  job.ID,
				Status: types.JobFailed,
				Error:  err.Error(),
			})
		} else {
			updates = append(updates, store.JobUpdate{
				JobID:          job.ID,
				Status:         types.JobScheduled,
				ExternalHandle: handle,
			})
		}
	}

	if err != nil {
		s.logger.ErrorContext(ctx, "group publish failed",
			"batch_id", first.BatchID,
			"kind", string(grp.Kind),
			"scheduled_for", grp.ScheduledFor,
			"job_count", len(grp.Jobs),
			"error", err.Error(),
		)
	}

	if updErr := s.store.UpdateJobStatuses(ctx, updates); updErr != nil {
		s.logger.ErrorContext(ctx, "failed to record group publish outcome",
			"batch_id", first.BatchID,
			"kind", string(grp.Kind),
			"error", updErr.Error(),
		)
	}

	return err
}

// publish serializes a group message and hands it to the external queue with
// the delay clamped to zero when the scheduled time has already passed.
func (s *Scheduler) publish(ctx context.Context, msg types.GroupMessage) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("scheduler: marshaling group message: %w", err)
	}

	delay := msg.ScheduledFor.Sub(s.now().UTC())
	if delay < 0 {
		delay = 0
	}

	return s.queue.Publish(ctx, types.PublishInput{
		Destination:        s.cfg.DeliveryURL,
		Body:               body,
		Delay:              delay,
		Retries:            s.cfg.Retries,
		FailureCallbackURL: s.cfg.FailureURL,
		FlowControlKey:     s.cfg.FlowControlKey,
		Parallelism:        s.cfg.Parallelism,
	})
}

// eligibleRecipients filters participants down to those addressable by email.
func eligibleRecipients(participants []types.Participant) []types.Participant {
	out := make([]types.Participant, 0, len(participants))
	for _, p := range participants {
		if p.Email != "" {
			out = append(out, p)
		}
	}
	return out
}

// sessionLabel builds the human-readable batch label shown in progress views.
func sessionLabel(session types.Session) string {
	if session.Title != "" {
		return session.Title
	}
	return "Session on " + session.StartsAt.UTC().Format("Jan 2, 2006")
}

// templateMeta assembles the opaque rendering inputs shared by every job in
// the batch. The scheduler never interprets these; the worker's renderer does.
func templateMeta(session types.Session) map[string]string {
	names := make([]string, 0, len(session.Participants))
	for _, p := range session.Participants {
		if p.Name != "" {
			names = append(names, p.Name)
		}
	}

	starts := session.StartsAt.UTC()
	return map[string]string{
		"session_title":     sessionLabel(session),
		"session_date":      starts.Format("Monday, January 2, 2006"),
		"session_time":      starts.Format("15:04 MST"),
		"participant_names": strings.Join(names, ", "),
	}
}

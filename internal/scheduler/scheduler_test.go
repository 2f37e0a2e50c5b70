package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"remindq/internal/store"
	"remindq/internal/types"
)

// fakeJobStore is an in-memory JobStore that applies updates the same way the
// Redis store does, minus persistence.
type fakeJobStore struct {
	mu          sync.Mutex
	batches     map[string]*types.Batch
	jobs        map[string]*types.Job
	batchJobs   map[string][]string
	sessionJobs map[string][]string
	updates     [][]store.JobUpdate
	createErr   error
	updateErr   error
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		batches:     make(map[string]*types.Batch),
		jobs:        make(map[string]*types.Job),
		batchJobs:   make(map[string][]string),
		sessionJobs: make(map[string][]string),
	}
}

func (f *fakeJobStore) CreateBatch(_ context.Context, batch *types.Batch, jobs []*types.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.batches[batch.ID] = batch
	for _, j := range jobs {
		f.jobs[j.ID] = j
		f.batchJobs[batch.ID] = append(f.batchJobs[batch.ID], j.ID)
		f.sessionJobs[j.SessionID] = append(f.sessionJobs[j.SessionID], j.ID)
	}
	return nil
}

func (f *fakeJobStore) UpdateJobStatuses(_ context.Context, updates []store.JobUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, updates)
	for _, u := range updates {
		job, ok := f.jobs[u.JobID]
		if !ok {
			continue
		}
		job.Status = u.Status
		if u.Error != "" {
			job.LastError = u.Error
		}
		if u.ClearError {
			job.LastError = ""
		}
		if u.ExternalHandle != "" {
			job.ExternalHandle = u.ExternalHandle
		}
		if u.ClearHandle {
			job.ExternalHandle = ""
		}
		if u.ProviderReceipt != "" {
			job.ProviderReceipt = u.ProviderReceipt
		}
		if u.IncrementAttempt {
			job.AttemptCount++
		}
	}
	return nil
}

func (f *fakeJobStore) GetBatch(_ context.Context, batchID string) (*types.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch, ok := f.batches[batchID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundBatch, "batch not found: "+batchID, nil)
	}
	return batch, nil
}

func (f *fakeJobStore) ListBatchJobs(_ context.Context, batchID string) ([]*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Job
	for _, id := range f.batchJobs[batchID] {
		out = append(out, f.jobs[id])
	}
	return out, nil
}

func (f *fakeJobStore) ListSessionJobs(_ context.Context, sessionID string) ([]*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Job
	for _, id := range f.sessionJobs[sessionID] {
		out = append(out, f.jobs[id])
	}
	return out, nil
}

func (f *fakeJobStore) job(t *testing.T, id string) *types.Job {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		t.Fatalf("job %s not in store", id)
	}
	return job
}

// fakeQueue records publishes and deletes; publishFn decides each publish
// outcome.
type fakeQueue struct {
	mu        sync.Mutex
	published []types.PublishInput
	deleted   []string
	publishFn func(in types.PublishInput) (string, error)
	deleteErr error
}

func (f *fakeQueue) Publish(_ context.Context, in types.PublishInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, in)
	if f.publishFn != nil {
		return f.publishFn(in)
	}
	return fmt.Sprintf("msg-%d", len(f.published)), nil
}

func (f *fakeQueue) Delete(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, handle)
	return f.deleteErr
}

func (f *fakeQueue) publishedMessages(t *testing.T) []types.GroupMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := make([]types.GroupMessage, len(f.published))
	for i, in := range f.published {
		if err := json.Unmarshal(in.Body, &msgs[i]); err != nil {
			t.Fatalf("published body %d not a group message: %v", i, err)
		}
	}
	return msgs
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		GraceWindow:        5 * time.Minute,
		DeliveryURL:        "https://remindq.example.com/v1/callbacks/delivery",
		FailureURL:         "https://remindq.example.com/v1/callbacks/failure",
		Retries:            3,
		FlowControlKey:     "remindq-email",
		Parallelism:        2,
		PublishConcurrency: 2,
	}
}

func testSession(startsAt time.Time) types.Session {
	return types.Session{
		ID:       "sess_1",
		Title:    "Mock Interview: System Design",
		StartsAt: startsAt,
		Duration: time.Hour,
		Participants: []types.Participant{
			{ID: "p1", Email: "alice@example.com", Name: "Alice"},
			{ID: "p2", Email: "bob@example.com", Name: "Bob"},
		},
	}
}

func TestScheduleSessionNotifications(t *testing.T) {
	st := newFakeJobStore()
	q := &fakeQueue{}
	sched := New(st, q, testConfig(), testLogger())

	now := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }
	startsAt := now.Add(96 * time.Hour)

	res, err := sched.ScheduleSessionNotifications(context.Background(), testSession(startsAt), "user_7")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if res == nil {
		t.Fatal("expected a result, got no-op")
	}
	// 3 kinds x 2 recipients.
	if res.JobCount != 6 {
		t.Fatalf("expected 6 jobs, got %d", res.JobCount)
	}
	if len(q.published) != 3 {
		t.Fatalf("expected 3 publishes (one per group), got %d", len(q.published))
	}

	batch, err := st.GetBatch(context.Background(), res.BatchID)
	if err != nil {
		t.Fatalf("batch not persisted: %v", err)
	}
	if batch.Counters.Total != 6 {
		t.Errorf("batch total = %d", batch.Counters.Total)
	}
	if batch.CreatedBy != "user_7" {
		t.Errorf("created by = %q", batch.CreatedBy)
	}

	jobs, _ := st.ListBatchJobs(context.Background(), res.BatchID)
	for _, job := range jobs {
		if job.Status != types.JobScheduled {
			t.Errorf("job %s status = %s, want scheduled", job.ID, job.Status)
		}
		if job.ExternalHandle == "" {
			t.Errorf("job %s has no external handle", job.ID)
		}
	}

	for _, in := range q.published {
		if in.Destination != "https://remindq.example.com/v1/callbacks/delivery" {
			t.Errorf("destination = %q", in.Destination)
		}
		if in.FailureCallbackURL != "https://remindq.example.com/v1/callbacks/failure" {
			t.Errorf("failure callback = %q", in.FailureCallbackURL)
		}
		if in.Delay <= 0 {
			t.Errorf("future send time published with delay %v", in.Delay)
		}
	}

	for _, msg := range q.publishedMessages(t) {
		if len(msg.Recipients) != 2 {
			t.Errorf("group %s carries %d recipients, want 2", msg.Kind, len(msg.Recipients))
		}
		if msg.TemplateMeta["session_title"] != "Mock Interview: System Design" {
			t.Errorf("template meta title = %q", msg.TemplateMeta["session_title"])
		}
	}
}

func TestScheduleSkipsRecipientsWithoutEmail(t *testing.T) {
	st := newFakeJobStore()
	q := &fakeQueue{}
	sched := New(st, q, testConfig(), testLogger())

	now := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }

	session := testSession(now.Add(96 * time.Hour))
	session.Participants = append(session.Participants, types.Participant{ID: "p3", Name: "No Email"})

	res, err := sched.ScheduleSessionNotifications(context.Background(), session, "")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if res.JobCount != 6 {
		t.Fatalf("expected 6 jobs for 2 addressable recipients, got %d", res.JobCount)
	}
}

func TestScheduleNoOpWhenNothingToSend(t *testing.T) {
	st := newFakeJobStore()
	q := &fakeQueue{}
	sched := New(st, q, testConfig(), testLogger())

	now := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }

	// Session ended long ago: every send time has elapsed.
	res, err := sched.ScheduleSessionNotifications(context.Background(), testSession(now.Add(-96*time.Hour)), "")
	if err != nil || res != nil {
		t.Fatalf("expected (nil, nil) no-op, got (%v, %v)", res, err)
	}

	// No addressable recipients.
	session := testSession(now.Add(96 * time.Hour))
	session.Participants = []types.Participant{{ID: "p1", Name: "No Email"}}
	res, err = sched.ScheduleSessionNotifications(context.Background(), session, "")
	if err != nil || res != nil {
		t.Fatalf("expected (nil, nil) no-op, got (%v, %v)", res, err)
	}

	if len(st.batches) != 0 || len(q.published) != 0 {
		t.Error("no-op paths must not persist or publish")
	}
}

func TestSchedulePublishFailureIsContainedPerGroup(t *testing.T) {
	st := newFakeJobStore()
	q := &fakeQueue{}
	q.publishFn = func(in types.PublishInput) (string, error) {
		var msg types.GroupMessage
		if err := json.Unmarshal(in.Body, &msg); err != nil {
			return "", err
		}
		if msg.Kind == types.KindPrep24h {
			return "", errors.New("queue unavailable")
		}
		return "msg-" + string(msg.Kind), nil
	}
	sched := New(st, q, testConfig(), testLogger())

	now := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }

	res, err := sched.ScheduleSessionNotifications(context.Background(), testSession(now.Add(96*time.Hour)), "")
	if err != nil {
		t.Fatalf("a group publish failure must not fail the invocation: %v", err)
	}

	jobs, _ := st.ListBatchJobs(context.Background(), res.BatchID)
	var failed, scheduled int
	for _, job := range jobs {
		switch job.Status {
		case types.JobFailed:
			failed++
			if job.Kind != types.KindPrep24h {
				t.Errorf("wrong group failed: %s", job.Kind)
			}
			if job.LastError == "" {
				t.Error("failed job carries no error")
			}
		case types.JobScheduled:
			scheduled++
		default:
			t.Errorf("job %s in unexpected status %s", job.ID, job.Status)
		}
	}
	if failed != 2 || scheduled != 4 {
		t.Fatalf("failed=%d scheduled=%d, want 2/4", failed, scheduled)
	}
}

func TestSchedulePersistFailure(t *testing.T) {
	st := newFakeJobStore()
	st.createErr = errors.New("store down")
	q := &fakeQueue{}
	sched := New(st, q, testConfig(), testLogger())

	now := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }

	if _, err := sched.ScheduleSessionNotifications(context.Background(), testSession(now.Add(96*time.Hour)), ""); err == nil {
		t.Fatal("expected persistence failure to surface")
	}
	if len(q.published) != 0 {
		t.Error("nothing must publish when persistence fails")
	}
}

func TestScheduleSingleJobClampsElapsedDelay(t *testing.T) {
	st := newFakeJobStore()
	q := &fakeQueue{}
	sched := New(st, q, testConfig(), testLogger())

	now := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }

	job := &types.Job{
		ID:             "job_1",
		BatchID:        "batch_1",
		SessionID:      "sess_1",
		Kind:           types.KindPrep24h,
		RecipientEmail: "alice@example.com",
		ScheduledFor:   now.Add(-time.Hour),
	}

	handle, err := sched.ScheduleSingleJob(context.Background(), job)
	if err != nil {
		t.Fatalf("schedule single: %v", err)
	}
	if handle == "" {
		t.Fatal("expected a handle")
	}
	if len(q.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(q.published))
	}
	if q.published[0].Delay != 0 {
		t.Errorf("elapsed send time must publish with zero delay, got %v", q.published[0].Delay)
	}

	msgs := q.publishedMessages(t)
	if len(msgs[0].Recipients) != 1 || msgs[0].Recipients[0].JobID != "job_1" {
		t.Errorf("single-job message recipients = %+v", msgs[0].Recipients)
	}
}

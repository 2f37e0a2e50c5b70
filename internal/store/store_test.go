package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"remindq/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWithClient(rdb, Config{
		Retention:           time.Hour,
		DeadLetterRetention: 2 * time.Hour,
	}, logger)
}

func seedBatch(t *testing.T, s *Store, batchID string, statuses ...types.JobStatus) []*types.Job {
	t.Helper()
	jobs := make([]*types.Job, len(statuses))
	for i, status := range statuses {
		jobs[i] = &types.Job{
			ID:             fmt.Sprintf("%s-j%d", batchID, i+1),
			BatchID:        batchID,
			SessionID:      "sess_1",
			Kind:           types.KindPrep24h,
			RecipientEmail: fmt.Sprintf("r%d@example.com", i+1),
			Status:         status,
		}
	}
	batch := &types.Batch{
		ID:        batchID,
		SessionID: "sess_1",
		Status:    types.BatchPending,
		Counters:  types.BatchCounters{Total: len(jobs)},
		CreatedBy: "user_7",
	}
	if err := s.CreateBatch(context.Background(), batch, jobs); err != nil {
		t.Fatalf("seed batch: %v", err)
	}
	return jobs
}

func TestCreateBatchPersistsJobsAndIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBatch(t, s, "batch_1", types.JobPending, types.JobPending)

	batch, err := s.GetBatch(ctx, "batch_1")
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if batch.Counters.Total != 2 {
		t.Errorf("total = %d", batch.Counters.Total)
	}

	jobs, err := s.ListBatchJobs(ctx, "batch_1")
	if err != nil {
		t.Fatalf("list batch jobs: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "batch_1-j1" || jobs[1].ID != "batch_1-j2" {
		t.Errorf("jobs out of creation order: %+v", jobs)
	}

	sessionJobs, err := s.ListSessionJobs(ctx, "sess_1")
	if err != nil {
		t.Fatalf("list session jobs: %v", err)
	}
	if len(sessionJobs) != 2 {
		t.Errorf("session jobs = %d", len(sessionJobs))
	}

	active, err := s.ListActiveBatches(ctx, "user_7")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0] != "batch_1" {
		t.Errorf("active batches = %v", active)
	}
}

func TestGetJobsSkipsMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBatch(t, s, "batch_1", types.JobPending)

	jobs, err := s.GetJobs(ctx, []string{"batch_1-j1", "job_ghost"})
	if err != nil {
		t.Fatalf("get jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "batch_1-j1" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestUpdateJobStatusesRecomputesBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBatch(t, s, "batch_1", types.JobPending, types.JobPending)

	err := s.UpdateJobStatuses(ctx, []JobUpdate{
		{JobID: "batch_1-j1", Status: types.JobScheduled, ExternalHandle: "h1"},
		{JobID: "batch_1-j2", Status: types.JobScheduled, ExternalHandle: "h1"},
	})
	if err != nil {
		t.Fatalf("update to scheduled: %v", err)
	}
	batch, _ := s.GetBatch(ctx, "batch_1")
	if batch.Status != types.BatchScheduled {
		t.Fatalf("batch status = %s, want scheduled", batch.Status)
	}

	err = s.UpdateJobStatuses(ctx, []JobUpdate{
		{JobID: "batch_1-j1", Status: types.JobCompleted, ProviderReceipt: "r1", IncrementAttempt: true},
		{JobID: "batch_1-j2", Status: types.JobFailed, Error: "recipient suppressed"},
	})
	if err != nil {
		t.Fatalf("update to terminal: %v", err)
	}

	batch, _ = s.GetBatch(ctx, "batch_1")
	if batch.Status != types.BatchPartialFailure {
		t.Errorf("batch status = %s, want partial_failure", batch.Status)
	}
	if batch.Counters.Completed != 1 || batch.Counters.Failed != 1 {
		t.Errorf("counters = %+v", batch.Counters)
	}

	j1, err := s.GetJob(ctx, "batch_1-j1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j1.AttemptCount != 1 || j1.ProviderReceipt != "r1" || j1.ExternalHandle != "h1" {
		t.Errorf("j1 = %+v", j1)
	}

	// Terminal batch leaves the creator's active set.
	active, _ := s.ListActiveBatches(ctx, "user_7")
	if len(active) != 0 {
		t.Errorf("terminal batch still active: %v", active)
	}
}

func TestConcurrentGroupCompletionsConvergeBatchStatus(t *testing.T) {
	// Two callbacks settling the last two groups of one batch race on the
	// recompute; the watched transaction must leave the batch terminal and
	// out of the active set no matter how the reads interleave.
	for i := 0; i < 20; i++ {
		s := newTestStore(t)
		ctx := context.Background()
		batchID := fmt.Sprintf("batch_%d", i)
		seedBatch(t, s, batchID, types.JobScheduled, types.JobScheduled)

		var wg sync.WaitGroup
		for _, jobID := range []string{batchID + "-j1", batchID + "-j2"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				err := s.UpdateJobStatuses(ctx, []JobUpdate{
					{JobID: id, Status: types.JobCompleted},
				})
				if err != nil {
					t.Errorf("update %s: %v", id, err)
				}
			}(jobID)
		}
		wg.Wait()

		batch, err := s.GetBatch(ctx, batchID)
		if err != nil {
			t.Fatalf("get batch: %v", err)
		}
		if batch.Status != types.BatchCompleted {
			t.Fatalf("round %d: batch status = %s, want completed", i, batch.Status)
		}
		active, _ := s.ListActiveBatches(ctx, "user_7")
		if len(active) != 0 {
			t.Fatalf("round %d: completed batch still active: %v", i, active)
		}
	}
}

func TestUpdateJobStatusesSkipsExpiredJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBatch(t, s, "batch_1", types.JobScheduled)

	err := s.UpdateJobStatuses(ctx, []JobUpdate{
		{JobID: "job_ghost", Status: types.JobCompleted},
	})
	if err != nil {
		t.Fatalf("an update for an expired job must be a logged no-op: %v", err)
	}

	batch, _ := s.GetBatch(ctx, "batch_1")
	if batch.Status != types.BatchPending {
		t.Errorf("untouched batch recomputed to %s", batch.Status)
	}
}

func TestAppendDeadLettersKeepsCallerPayloadIntact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := []byte(`{"batch_id":"batch_1","kind":"prep-24h"}`)
	entry := &types.DeadLetterEntry{
		ID:             "dlq_1",
		JobID:          "j1",
		BatchID:        "batch_1",
		SessionID:      "sess_1",
		RecipientEmail: "alice@example.com",
		Error:          "delivery attempts exhausted",
		AttemptCount:   3,
		Payload:        payload,
		CreatedAt:      time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC),
	}

	if err := s.AppendDeadLetters(ctx, []*types.DeadLetterEntry{entry}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if !bytes.Equal(entry.Payload, payload) {
		t.Errorf("caller's payload was rewritten to %q", entry.Payload)
	}

	entries, err := s.ListDeadLetters(ctx, 1, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	// Listing transparently decompresses back to the stored original.
	if !bytes.Equal(entries[0].Payload, payload) {
		t.Errorf("round-tripped payload = %q", entries[0].Payload)
	}
}

func TestListDeadLettersPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		entry := &types.DeadLetterEntry{
			ID:    fmt.Sprintf("dlq_%d", i),
			JobID: fmt.Sprintf("j%d", i),
			Error: "delivery attempts exhausted",
		}
		if err := s.AppendDeadLetters(ctx, []*types.DeadLetterEntry{entry}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	page1, err := s.ListDeadLetters(ctx, 1, 2)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1) != 2 || page1[0].ID != "dlq_3" || page1[1].ID != "dlq_2" {
		t.Errorf("page 1 = %+v, want newest first", page1)
	}

	page2, err := s.ListDeadLetters(ctx, 2, 2)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2) != 1 || page2[0].ID != "dlq_1" {
		t.Errorf("page 2 = %+v", page2)
	}

	page3, err := s.ListDeadLetters(ctx, 3, 2)
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	if len(page3) != 0 {
		t.Errorf("page past the end = %+v", page3)
	}
}

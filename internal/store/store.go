// Package store implements the durable job store on Redis. Jobs, batches and
// their index lists are plain JSON values with a bounded retention TTL. Every
// write that spans more than one key goes through a MULTI/EXEC pipeline, and
// the derived batch status is recomputed inside a transaction that watches
// the batch's job keys, so concurrent callbacks settling different groups of
// one batch converge on the status derived from final job state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"remindq/internal/types"
)

// Key layout. Retention applies to jobs, batches and their index lists;
// dead letters carry their own, longer TTL (see deadletter.go).
func jobKey(id string) string            { return "job:" + id }
func batchKey(id string) string          { return "batch:" + id }
func batchJobsKey(id string) string      { return "batch:" + id + ":jobs" }
func sessionBatchesKey(id string) string { return "session:" + id + ":batches" }
func activeBatchesKey(actor string) string {
	return "active:" + actor
}

// Store provides CRUD, list and atomic pipelined writes over the Redis job
// store. It holds no business logic beyond the batch progress recomputation
// that every status mutation requires.
type Store struct {
	rdb       *redis.Client
	retention time.Duration
	dlqTTL    time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// Config holds the Store construction parameters.
type Config struct {
	Addr                string
	Password            string
	DB                  int
	Retention           time.Duration
	DeadLetterRetention time.Duration
}

// New creates a Store backed by a new Redis client. The connection is
// verified lazily; call Ping for an eager health check.
func New(cfg Config, logger *slog.Logger) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(rdb, cfg, logger)
}

// NewWithClient creates a Store over an existing Redis client. Tests use it
// to point the store at an in-process server.
func NewWithClient(rdb *redis.Client, cfg Config, logger *slog.Logger) *Store {
	return &Store{
		rdb:       rdb,
		retention: cfg.Retention,
		dlqTTL:    cfg.DeadLetterRetention,
		logger:    logger,
		now:       time.Now,
	}
}

// Ping verifies Redis connectivity. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "redis ping failed", err)
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// CreateBatch persists a batch and its jobs as one atomic unit, appends the
// batch to the owning session's index, and registers it in the creator's
// active-batch set. No partial state is ever visible: either every key
// exists or none does.
func (s *Store) CreateBatch(ctx context.Context, batch *types.Batch, jobs []*types.Job) error {
	if len(jobs) == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "refusing to create a batch with zero jobs", nil)
	}

	batchJSON, err := json.Marshal(batch)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to marshal batch", err)
	}

	jobJSON := make(map[string][]byte, len(jobs))
	jobIDs := make([]interface{}, 0, len(jobs))
	for _, j := range jobs {
		data, err := json.Marshal(j)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalStore, "failed to marshal job "+j.ID, err)
		}
		jobJSON[j.ID] = data
		jobIDs = append(jobIDs, j.ID)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, batchKey(batch.ID), batchJSON, s.retention)
		for id, data := range jobJSON {
			pipe.Set(ctx, jobKey(id), data, s.retention)
		}
		pipe.RPush(ctx, batchJobsKey(batch.ID), jobIDs...)
		pipe.Expire(ctx, batchJobsKey(batch.ID), s.retention)
		pipe.RPush(ctx, sessionBatchesKey(batch.SessionID), batch.ID)
		pipe.Expire(ctx, sessionBatchesKey(batch.SessionID), s.retention)
		if batch.CreatedBy != "" {
			pipe.SAdd(ctx, activeBatchesKey(batch.CreatedBy), batch.ID)
		}
		return nil
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to persist batch "+batch.ID, err)
	}

	s.logger.InfoContext(ctx, "batch persisted",
		"batch_id", batch.ID,
		"session_id", batch.SessionID,
		"job_count", len(jobs),
	)
	return nil
}

// GetJob fetches one job by id. Returns a not-found AppError when the job
// does not exist or has expired from the store.
func (s *Store) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, "job not found: "+jobID, nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to read job "+jobID, err)
	}
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "corrupt job record "+jobID, err)
	}
	return &job, nil
}

// GetJobs fetches many jobs in one round trip. Missing (expired) jobs are
// omitted from the result rather than failing the whole read.
func (s *Store) GetJobs(ctx context.Context, jobIDs []string) ([]*types.Job, error) {
	return s.readJobs(ctx, s.rdb, jobIDs)
}

// readJobs is GetJobs over any command runner, so the watched batch recompute
// can read through its transaction's connection.
func (s *Store) readJobs(ctx context.Context, c redis.Cmdable, jobIDs []string) ([]*types.Job, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(jobIDs))
	for i, id := range jobIDs {
		keys[i] = jobKey(id)
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to read jobs", err)
	}

	jobs := make([]*types.Job, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // expired or never existed
		}
		var job types.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			s.logger.WarnContext(ctx, "skipping corrupt job record", "job_id", jobIDs[i], "error", err)
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// GetBatch fetches one batch by id.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*types.Batch, error) {
	data, err := s.rdb.Get(ctx, batchKey(batchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.NewAppError(types.ErrCodeNotFoundBatch, "batch not found: "+batchID, nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to read batch "+batchID, err)
	}
	var batch types.Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "corrupt batch record "+batchID, err)
	}
	return &batch, nil
}

// ListBatchJobs returns the jobs of one batch in creation order.
func (s *Store) ListBatchJobs(ctx context.Context, batchID string) ([]*types.Job, error) {
	ids, err := s.rdb.LRange(ctx, batchJobsKey(batchID), 0, -1).Result()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to list jobs of batch "+batchID, err)
	}
	return s.GetJobs(ctx, ids)
}

// ListSessionJobs returns every job of every batch ever created for a
// session, in batch creation order.
func (s *Store) ListSessionJobs(ctx context.Context, sessionID string) ([]*types.Job, error) {
	batchIDs, err := s.rdb.LRange(ctx, sessionBatchesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to list batches of session "+sessionID, err)
	}

	var jobs []*types.Job
	for _, batchID := range batchIDs {
		batchJobs, err := s.ListBatchJobs(ctx, batchID)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, batchJobs...)
	}
	return jobs, nil
}

// ListActiveBatches returns the batch ids still registered as active for the
// given actor.
func (s *Store) ListActiveBatches(ctx context.Context, actorID string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, activeBatchesKey(actorID)).Result()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to list active batches", err)
	}
	return ids, nil
}

// JobUpdate describes one job status mutation. Zero-valued optional fields
// leave the corresponding job fields untouched; the Clear flags exist so a
// retry can reset error and handle without ambiguity.
type JobUpdate struct {
	JobID  string
	Status types.JobStatus

	Error      string
	ClearError bool

	ExternalHandle string
	ClearHandle    bool

	ProviderReceipt string

	// IncrementAttempt marks a confirmed delivery attempt. Duplicate
	// callback invocations must not set it for jobs already past processing.
	IncrementAttempt bool
}

// UpdateJobStatuses applies a list of job mutations and then recomputes the
// derived status of every distinct affected batch exactly once, not once
// per job. One queue callback can touch many jobs of the same batch, so this
// batching is required for correctness, not just efficiency.
//
// The job writes land in one atomic pipeline. Each batch recompute then runs
// as a transaction watching the batch and its job keys: a concurrent writer
// settling a sibling group between the recompute's read and its commit aborts
// the transaction, and the retry re-derives from the newer job state. Without
// the watch, two callbacks finishing the last two groups of a batch could
// each read the other's jobs pre-update and both persist a stale non-terminal
// status. Updates referencing expired jobs are skipped and logged.
func (s *Store) UpdateJobStatuses(ctx context.Context, updates []JobUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	jobIDs := make([]string, len(updates))
	for i, u := range updates {
		jobIDs[i] = u.JobID
	}
	jobs, err := s.GetJobs(ctx, jobIDs)
	if err != nil {
		return err
	}
	byID := make(map[string]*types.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}

	now := s.now().UTC()
	touched := make(map[string]*types.Job, len(updates))
	batchIDs := make(map[string]struct{})
	for _, u := range updates {
		job, ok := byID[u.JobID]
		if !ok {
			s.logger.WarnContext(ctx, "skipping update for missing job", "job_id", u.JobID)
			continue
		}
		applyUpdate(job, u, now)
		touched[job.ID] = job
		batchIDs[job.BatchID] = struct{}{}
	}
	if len(touched) == 0 {
		return nil
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, job := range touched {
			data, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("marshal job %s: %w", job.ID, err)
			}
			pipe.Set(ctx, jobKey(job.ID), data, redis.KeepTTL)
		}
		return nil
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to apply job status updates", err)
	}

	for batchID := range batchIDs {
		if err := s.recomputeBatchProgress(ctx, batchID); err != nil {
			return err
		}
	}
	return nil
}

// recomputeRetries bounds the optimistic retry loop of a batch recompute.
const recomputeRetries = 5

// recomputeBatchProgress re-derives one batch's status from the stored state
// of its jobs, retrying when a concurrent writer invalidates the watched keys.
func (s *Store) recomputeBatchProgress(ctx context.Context, batchID string) error {
	var err error
	for attempt := 0; attempt < recomputeRetries; attempt++ {
		err = s.tryRecomputeBatchProgress(ctx, batchID)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return types.NewAppError(types.ErrCodeInternalStore,
		"batch recompute kept losing to concurrent updates: "+batchID, err)
}

func (s *Store) tryRecomputeBatchProgress(ctx context.Context, batchID string) error {
	ids, err := s.rdb.LRange(ctx, batchJobsKey(batchID), 0, -1).Result()
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to list jobs of batch "+batchID, err)
	}

	// The job id list is written once at creation, so the watch set is stable.
	keys := make([]string, 0, len(ids)+1)
	keys = append(keys, batchKey(batchID))
	for _, id := range ids {
		keys = append(keys, jobKey(id))
	}

	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, batchKey(batchID)).Bytes()
		if errors.Is(err, redis.Nil) {
			s.logger.WarnContext(ctx, "affected batch expired, skipping recompute", "batch_id", batchID)
			return nil
		}
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalStore, "failed to read batch "+batchID, err)
		}
		var batch types.Batch
		if err := json.Unmarshal(data, &batch); err != nil {
			return types.NewAppError(types.ErrCodeInternalStore, "corrupt batch record "+batchID, err)
		}

		siblings, err := s.readJobs(ctx, tx, ids)
		if err != nil {
			return err
		}
		statuses := make([]types.JobStatus, 0, len(siblings))
		for _, sib := range siblings {
			statuses = append(statuses, sib.Status)
		}

		batch.Status, batch.Counters = DeriveBatchProgress(statuses)
		batch.UpdatedAt = s.now().UTC()

		payload, err := json.Marshal(&batch)
		if err != nil {
			return fmt.Errorf("marshal batch %s: %w", batch.ID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, batchKey(batch.ID), payload, redis.KeepTTL)
			// A batch that reached a terminal state leaves its creator's
			// active set.
			if batch.CreatedBy != "" && batch.Status.Terminal() {
				pipe.SRem(ctx, activeBatchesKey(batch.CreatedBy), batch.ID)
			}
			return nil
		})
		return err
	}, keys...)
}

// applyUpdate mutates job in place according to u.
func applyUpdate(job *types.Job, u JobUpdate, now time.Time) {
	job.Status = u.Status
	job.UpdatedAt = now

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

package store

import "remindq/internal/types"

// DeriveBatchProgress computes a batch's aggregate status and counters from
// the statuses of its jobs. It is a pure function: callers recompute after
// every job mutation rather than maintaining incremental counters, which
// tolerates out-of-order and duplicate callback delivery.
//
// Cost is O(batch size). Batches are bounded by session participant count
// times notification kinds, so full recomputation stays cheap; if that ever
// changes, this function is the single place to swap in an incremental
// strategy without touching callers.
//
// Derivation rules:
//   - in_progress: at least one job is processing (a provider call is in flight)
//   - pending: no job has left pending
//   - completed: all jobs terminal, zero failed
//   - failed: all jobs terminal, all failed
//   - partial_failure: all jobs terminal, some failed, some not
//   - scheduled: everything else; jobs are parked in the external queue
//     waiting for their fire time
func DeriveBatchProgress(statuses []types.JobStatus) (types.BatchStatus, types.BatchCounters) {
	c := types.BatchCounters{Total: len(statuses)}

	processing := 0
	pending := 0
	terminal := 0
	for _, s := range statuses {
		switch s {
		case types.JobPending:
			pending++
		case types.JobProcessing:
			processing++
		case types.JobCompleted:
			c.Completed++
		case types.JobFailed:
			c.Failed++
		case types.JobCancelled:
			c.Cancelled++
		}
		if s.Terminal() {
			terminal++
		}
	}

	switch {
	case processing > 0:
		return types.BatchInProgress, c
	case pending == c.Total:
		return types.BatchPending, c
	case terminal == c.Total && c.Failed == 0:
		return types.BatchCompleted, c
	case terminal == c.Total && c.Failed == c.Total:
		return types.BatchFailed, c
	case terminal == c.Total:
		return types.BatchPartialFailure, c
	default:
		return types.BatchScheduled, c
	}
}

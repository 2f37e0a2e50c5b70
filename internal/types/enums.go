package types

// NotificationKind identifies which reminder a job carries, relative to the
// session's anchor time.
type NotificationKind string

const (
	// KindPrep48h fires 48 hours before the session starts.
	KindPrep48h NotificationKind = "prep-48h"
	// KindPrep24h fires 24 hours before the session starts.
	KindPrep24h NotificationKind = "prep-24h"
	// KindFeedbackImmediate fires as soon as the session ends.
	KindFeedbackImmediate NotificationKind = "feedback-immediate"
)

// AllKinds lists every notification kind in schedule order. The calculator
// iterates this slice so send-time computation stays exhaustive when a kind
// is added.
var AllKinds = []NotificationKind{
	KindPrep48h,
	KindPrep24h,
	KindFeedbackImmediate,
}

// Valid reports whether k is a known notification kind.
func (k NotificationKind) Valid() bool {
	switch k {
	case KindPrep48h, KindPrep24h, KindFeedbackImmediate:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a single notification job.
// These values MUST remain stable: they are persisted in the job store and
// compared by the callback handlers' idempotency guards.
type JobStatus string

const (
	// JobPending: created, not yet handed to the external queue.
	JobPending JobStatus = "pending"
	// JobScheduled: accepted by the external queue; ExternalHandle is set.
	JobScheduled JobStatus = "scheduled"
	// JobProcessing: a delivery-provider call is in flight for this job.
	JobProcessing JobStatus = "processing"
	// JobCompleted: the provider accepted the email; ProviderReceipt is set. Terminal.
	JobCompleted JobStatus = "completed"
	// JobFailed: publish or delivery failed; LastError is set. Terminal unless retried.
	JobFailed JobStatus = "failed"
	// JobCancelled: withdrawn by an operator or participant removal. Terminal.
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is an end state. A failed job is
// terminal until an explicit retry resets it to pending.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Cancellable reports whether a job in this status may still be cancelled.
func (s JobStatus) Cancellable() bool {
	return s == JobPending || s == JobScheduled
}

// BatchStatus is the derived aggregate state of a batch. It is never written
// directly except for BatchPending at creation; every other value comes out
// of the progress projector.
//
// BatchScheduled is deliberately distinct from BatchInProgress: scheduled
// means the jobs are parked in the external queue waiting for their fire
// time, in_progress means at least one provider call is actually in flight.
type BatchStatus string

const (
	BatchPending        BatchStatus = "pending"
	BatchInProgress     BatchStatus = "in_progress"
	BatchScheduled      BatchStatus = "scheduled"
	BatchCompleted      BatchStatus = "completed"
	BatchPartialFailure BatchStatus = "partial_failure"
	BatchFailed         BatchStatus = "failed"
)

// Terminal reports whether a derived batch status is an end state.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchPartialFailure, BatchFailed:
		return true
	}
	return false
}

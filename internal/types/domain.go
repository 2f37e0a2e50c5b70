package types

import "time"

// Participant is one attendee of a session as read from the record store.
// The scheduler treats this as read-only input.
type Participant struct {
	ID    string `json:"id"`
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// Session is the anchor entity whose start time drives the computed send
// times. Only the fields the scheduler needs are modeled; the record store
// owns the rest.
type Session struct {
	ID           string        `json:"id" validate:"required"`
	Title        string        `json:"title"`
	StartsAt     time.Time     `json:"starts_at" validate:"required"`
	Duration     time.Duration `json:"duration"`
	Participants []Participant `json:"participants" validate:"dive"`
}

// Job is one notification owed to one recipient at one scheduled time.
//
// ScheduledFor is immutable after creation: a retry changes status, attempt
// count, error and handle fields only, never the target time.
type Job struct {
	ID        string           `json:"id"`
	BatchID   string           `json:"batch_id"`
	SessionID string           `json:"session_id"`
	Kind      NotificationKind `json:"kind"`

	RecipientEmail string `json:"recipient_email"`
	RecipientName  string `json:"recipient_name"`

	ScheduledFor time.Time `json:"scheduled_for"`
	Status       JobStatus `json:"status"`

	// AttemptCount increments only on a confirmed delivery attempt, not on
	// status reads or duplicate callback invocations.
	AttemptCount int    `json:"attempt_count"`
	LastError    string `json:"last_error,omitempty"`

	// ExternalHandle is the message id returned by the external queue once
	// the job's group is published. Empty until scheduling succeeds.
	ExternalHandle string `json:"external_handle,omitempty"`
	// ProviderReceipt is the delivery provider's message id once sent.
	ProviderReceipt string `json:"provider_receipt,omitempty"`

	// TemplateMeta is an opaque bag of rendering inputs (session label,
	// date/time strings, counterpart names) passed through to the renderer.
	TemplateMeta map[string]string `json:"template_meta,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BatchCounters holds the aggregate job counts for a batch. Counters are
// recomputed from job state by the progress projector, never incremented
// independently.
type BatchCounters struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Batch is the set of jobs created together for one session at one
// scheduling invocation. Status is derived (see store.DeriveBatchProgress);
// only BatchPending is ever written directly, at creation.
type Batch struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"session_id"`
	SessionLabel string        `json:"session_label"`
	Status       BatchStatus   `json:"status"`
	Counters     BatchCounters `json:"counters"`
	CreatedBy    string        `json:"created_by,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// DeadLetterEntry is the durable record of a job whose delivery the external
// queue permanently abandoned. It outlives the job itself (longer retention)
// so operators can inspect and manually follow up.
type DeadLetterEntry struct {
	ID             string    `json:"id"`
	JobID          string    `json:"job_id"`
	BatchID        string    `json:"batch_id"`
	SessionID      string    `json:"session_id"`
	RecipientEmail string    `json:"recipient_email"`
	Error          string    `json:"error"`
	AttemptCount   int       `json:"attempt_count"`
	// Payload is the original published group message, gzip-compressed.
	Payload        []byte    `json:"payload,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// JobSummary is the per-session aggregate exposed to the UI layer alongside
// the job list.
type JobSummary struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Scheduled  int `json:"scheduled"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Summarize tallies a job list into a JobSummary.
func Summarize(jobs []*Job) JobSummary {
	s := JobSummary{Total: len(jobs)}
	for _, j := range jobs {
		switch j.Status {
		case JobPending:
			s.Pending++
		case JobScheduled:
			s.Scheduled++
		case JobProcessing:
			s.Processing++
		case JobCompleted:
			s.Completed++
		case JobFailed:
			s.Failed++
		case JobCancelled:
			s.Cancelled++
		}
	}
	return s
}

// SendInput is the provider-agnostic description of one outbound email.
type SendInput struct {
	To       string
	ToName   string
	From     EmailAddress
	Subject  string
	BodyHTML string
	BodyText string
	// ReferenceID correlates the provider-side message with the job id.
	ReferenceID string
}

// EmailAddress pairs an address with an optional display name.
type EmailAddress struct {
	Address string
	Name    string
}

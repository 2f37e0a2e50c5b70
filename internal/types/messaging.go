package types

import "time"

// JobRecipient is the (job id, recipient) pair carried inside a group
// message. The callback handlers use JobID to look the job back up and
// Email/Name to address the outbound send.
type JobRecipient struct {
	JobID string `json:"job_id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// GroupMessage is the payload published to the external queue, one per
// (notification kind, scheduled time) group. It carries everything the
// delivery callback needs so the worker never re-reads the session record.
// JSON tags use snake_case to match the original wire contract.
type GroupMessage struct {
	BatchID      string           `json:"batch_id"`
	SessionID    string           `json:"session_id"`
	Kind         NotificationKind `json:"kind"`
	ScheduledFor time.Time        `json:"scheduled_for"`
	Recipients   []JobRecipient   `json:"recipients"`

	// TemplateMeta is shared by every recipient in the group and passed
	// through to rendering untouched.
	TemplateMeta map[string]string `json:"template_meta,omitempty"`

	// TraceID ties queue redeliveries and callbacks back to the scheduling
	// invocation that published this group.
	TraceID string `json:"trace_id"`
}

// PublishInput describes one publish-with-delay request against the external
// queue. After Delay the queue POSTs Body to Destination (the success-path
// worker endpoint), retrying up to Retries times on its own; once those
// attempts are exhausted it POSTs a CallbackEnvelope to FailureCallbackURL
// instead.
type PublishInput struct {
	Destination        string
	Body               []byte
	Delay              time.Duration
	Retries            int
	FailureCallbackURL string
	// FlowControlKey/Parallelism cap concurrent worker invocations sharing
	// the key, protecting the delivery provider from bursts when many
	// recipients share a send time.
	FlowControlKey string
	Parallelism    int
}

// CallbackEnvelope is the body the external queue posts to the failure
// callback once its own delivery attempts are exhausted. Body holds the
// original published GroupMessage JSON (base64-transported, decoded by
// encoding/json's []byte handling).
type CallbackEnvelope struct {
	// MessageID is the external handle of the abandoned message.
	MessageID string `json:"message_id"`
	// Retried is how many delivery attempts the queue made.
	Retried int `json:"retried,omitempty"`
	// Error is the queue's terminal error.
	Error string `json:"error,omitempty"`
	Body  []byte `json:"body"`
}

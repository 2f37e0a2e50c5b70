package external

import (
	"context"

	"remindq/internal/types"
)

// DelayQueue is the contract with the external delayed-delivery message
// broker. The broker is at-least-once: it may redeliver or reorder across
// messages, so every consumer of its callbacks must be idempotent.
type DelayQueue interface {
	// Publish registers a message for future delivery and returns the
	// broker's message handle.
	Publish(ctx context.Context, in types.PublishInput) (string, error)

	// Delete is the best-effort cancel of a not-yet-delivered message.
	// Callers must not rely on it: the authoritative cancellation signal is
	// the job's stored status, checked before any send.
	Delete(ctx context.Context, handle string) error
}

// EmailProvider is the contract with the delivery provider. Send transmits
// one pre-rendered email and returns the provider's message id.
type EmailProvider interface {
	Send(ctx context.Context, input types.SendInput) (string, error)
}

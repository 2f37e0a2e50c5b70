package external

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"remindq/internal/types"
)

// StubEmailProvider is a no-op EmailProvider for local development and
// tests. It logs the send and fabricates a provider message id.
type StubEmailProvider struct {
	logger *slog.Logger
}

// NewStubEmailProvider creates a StubEmailProvider.
func NewStubEmailProvider(logger *slog.Logger) *StubEmailProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubEmailProvider{logger: logger}
}

// Send logs the would-be email and returns a synthetic message id.
func (s *StubEmailProvider) Send(ctx context.Context, input types.SendInput) (string, error) {
	msgID := "stub-" + uuid.New().String()
	s.logger.InfoContext(ctx, "stub email provider: suppressing send",
		"to", input.To,
		"subject", input.Subject,
		"reference_id", input.ReferenceID,
		"provider_message_id", msgID,
	)
	return msgID, nil
}

var _ EmailProvider = (*StubEmailProvider)(nil)

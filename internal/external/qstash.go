package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"remindq/internal/types"
)

// qstashAPIBase is the default QStash API base URL.
// Overridable in tests via QStashClientConfig.BaseURL.
const qstashAPIBase = "https://qstash.upstash.io"

// QStashClientConfig holds the configuration for creating a QStashClient.
type QStashClientConfig struct {
	Token   string
	BaseURL string // Override for testing; defaults to qstashAPIBase
	Logger  *slog.Logger
}

// QStashClient implements DelayQueue against the QStash v2 HTTP API through
// BaseClient, so publishes and deletes get the platform's circuit breaker
// and retry behavior. QStash delivers the published body to the destination
// URL after the requested delay, retries on its own, and invokes the failure
// callback once those retries are exhausted.
type QStashClient struct {
	base    *BaseClient
	token   string
	baseURL string
	logger  *slog.Logger
}

// NewQStashClient creates a QStashClient. The httpClient timeout should be
// short (a few seconds); publish is a control-plane call, not the delivery
// itself.
func NewQStashClient(httpClient *http.Client, cfg QStashClientConfig) *QStashClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = qstashAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"qstash",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"remindq/1.0",
	)

	return &QStashClient{
		base:    base,
		token:   cfg.Token,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// NewQStashClientWithBase creates a QStashClient with a pre-configured
// BaseClient. Useful for tests that need to control retry behavior.
func NewQStashClientWithBase(base *BaseClient, cfg QStashClientConfig) *QStashClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = qstashAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &QStashClient{
		base:    base,
		token:   cfg.Token,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// publishResponse is the JSON body QStash returns on a successful publish.
type publishResponse struct {
	MessageID string `json:"messageId"`
}

// Publish registers in.Body for delayed delivery to in.Destination and
// returns the QStash message id as the external handle.
func (q *QStashClient) Publish(ctx context.Context, in types.PublishInput) (string, error) {
	reqURL := q.baseURL + "/v2/publish/" + in.Destination
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(in.Body))
	if err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create queue publish request",
			err,
		)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+q.token)

	if in.Delay > 0 {
		// QStash accepts whole seconds; round up so a message never fires early.
		seconds := int64(in.Delay.Seconds())
		if in.Delay > time.Duration(seconds)*time.Second {
			seconds++
		}
		req.Header.Set("Upstash-Delay", strconv.FormatInt(seconds, 10)+"s")
	}
	if in.Retries > 0 {
		req.Header.Set("Upstash-Retries", strconv.Itoa(in.Retries))
	}
	if in.FailureCallbackURL != "" {
		req.Header.Set("Upstash-Failure-Callback", in.FailureCallbackURL)
	}
	if in.FlowControlKey != "" && in.Parallelism > 0 {
		req.Header.Set("Upstash-Flow-Control-Key", in.FlowControlKey)
		req.Header.Set("Upstash-Flow-Control-Value", "parallelism="+strconv.Itoa(in.Parallelism))
	}

	resp, err := q.base.Do(req)
	if err != nil {
		return "", q.wrapQueueError("Publish", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", types.NewAppError(
			types.ErrCodeUpstreamQueue,
			fmt.Sprintf("Publish: queue returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			nil,
		)
	}

	var pr publishResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", types.NewAppError(
			types.ErrCodeUpstreamQueue,
			"Publish: queue response was not parseable",
			err,
		)
	}
	if pr.MessageID == "" {
		return "", types.NewAppError(
			types.ErrCodeUpstreamQueue,
			"Publish: queue response carried no message id",
			nil,
		)
	}

	return pr.MessageID, nil
}

// Delete cancels a not-yet-delivered message. A message the queue no longer
// knows about (already delivered or already deleted) is treated as success:
// delete is best-effort and the stored job status is the authoritative
// cancellation signal.
func (q *QStashClient) Delete(ctx context.Context, handle string) error {
	reqURL := q.baseURL + "/v2/messages/" + handle
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
	if err != nil {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create queue delete request",
			err,
		)
	}
	req.Header.Set("Authorization", "Bearer "+q.token)

	resp, err := q.base.Do(req)
	if err != nil {
		return q.wrapQueueError("Delete", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return types.NewAppError(
			types.ErrCodeUpstreamQueue,
			fmt.Sprintf("Delete: queue returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			nil,
		)
	}
}

// wrapQueueError wraps a BaseClient transport error with queue context.
func (q *QStashClient) wrapQueueError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamQueue,
		fmt.Sprintf("%s: queue request failed: %v", operation, err),
		err,
	)
}

// Compile-time assertion that QStashClient satisfies DelayQueue.
var _ DelayQueue = (*QStashClient)(nil)

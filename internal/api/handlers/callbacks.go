package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"remindq/internal/core"
	"remindq/internal/types"
)

// DeliveryProcessor is the worker surface the callback endpoints invoke.
type DeliveryProcessor interface {
	HandleDelivery(ctx context.Context, msg types.GroupMessage, messageID string, retried int) error
	HandleFailure(ctx context.Context, env types.CallbackEnvelope) error
}

// Callbacks holds the endpoints the external queue fires: the delivery
// invocation at each message's scheduled time, and the failure callback once
// the queue gives up on a message.
type Callbacks struct {
	worker DeliveryProcessor
	logger *slog.Logger
}

// NewCallbacks creates the Callbacks handler set.
func NewCallbacks(worker DeliveryProcessor, logger *slog.Logger) *Callbacks {
	return &Callbacks{worker: worker, logger: logger}
}

// Delivery handles POST /v1/callbacks/delivery. The request body is the
// GroupMessage published at schedule time; the queue identifies the message
// and its own attempt count in headers.
//
// Decoding is deliberately lenient (no unknown-field rejection): the queue
// owns this body and may grow it. A 2xx tells the queue the message is
// consumed; any error status makes it redeliver, which is safe because the
// worker re-checks job state on every invocation.
func (c *Callbacks) Delivery(w http.ResponseWriter, r *http.Request) {
	var msg types.GroupMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"delivery callback body is not a group message",
			err,
		))
		return
	}
	if len(msg.Recipients) == 0 {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"delivery callback carries no recipients",
			nil,
		))
		return
	}

	messageID := r.Header.Get("Upstash-Message-Id")
	retried, _ := strconv.Atoi(r.Header.Get("Upstash-Retried"))

	if err := c.worker.HandleDelivery(r.Context(), msg, messageID, retried); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{"status": "processed"}})
}

// Failure handles POST /v1/callbacks/failure: the queue has exhausted its
// delivery attempts for a message and posts the original payload back wrapped
// in a CallbackEnvelope.
func (c *Callbacks) Failure(w http.ResponseWriter, r *http.Request) {
	var env types.CallbackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"failure callback body is not a callback envelope",
			err,
		))
		return
	}

	if env.MessageID == "" {
		env.MessageID = r.Header.Get("Upstash-Message-Id")
	}

	if err := c.worker.HandleFailure(r.Context(), env); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{"status": "processed"}})
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"remindq/internal/types"
)

type fakeProcessor struct {
	deliveryErr error
	failureErr  error
	gotMsg      types.GroupMessage
	gotID       string
	gotRetried  int
	gotEnv      types.CallbackEnvelope
}

func (f *fakeProcessor) HandleDelivery(_ context.Context, msg types.GroupMessage, messageID string, retried int) error {
	f.gotMsg = msg
	f.gotID = messageID
	f.gotRetried = retried
	return f.deliveryErr
}

func (f *fakeProcessor) HandleFailure(_ context.Context, env types.CallbackEnvelope) error {
	f.gotEnv = env
	return f.failureErr
}

func newTestCallbacks(p *fakeProcessor) *Callbacks {
	return NewCallbacks(p, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func deliveryBody(t *testing.T) string {
	t.Helper()
	msg := types.GroupMessage{
		BatchID:   "batch_1",
		SessionID: "sess_1",
		Kind:      types.KindPrep24h,
		Recipients: []types.JobRecipient{
			{JobID: "j1", Email: "alice@example.com", Name: "Alice"},
		},
		TraceID: "trace-1",
	}
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestDeliveryCallback(t *testing.T) {
	p := &fakeProcessor{}
	h := newTestCallbacks(p)

	req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/delivery", strings.NewReader(deliveryBody(t)))
	req.Header.Set("Upstash-Message-Id", "msg-1")
	req.Header.Set("Upstash-Retried", "2")
	w := httptest.NewRecorder()

	h.Delivery(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if p.gotID != "msg-1" || p.gotRetried != 2 {
		t.Errorf("message_id=%q retried=%d", p.gotID, p.gotRetried)
	}
	if p.gotMsg.BatchID != "batch_1" || len(p.gotMsg.Recipients) != 1 {
		t.Errorf("message = %+v", p.gotMsg)
	}
}

func TestDeliveryCallbackToleratesUnknownFields(t *testing.T) {
	p := &fakeProcessor{}
	h := newTestCallbacks(p)

	body := strings.TrimSuffix(deliveryBody(t), "}") + `,"future_field":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/delivery", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.Delivery(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("queue-owned bodies must tolerate new fields, status = %d", w.Code)
	}
}

func TestDeliveryCallbackMalformed(t *testing.T) {
	h := newTestCallbacks(&fakeProcessor{})

	req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/delivery", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	h.Delivery(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestDeliveryCallbackNoRecipients(t *testing.T) {
	h := newTestCallbacks(&fakeProcessor{})

	req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/delivery",
		strings.NewReader(`{"batch_id":"batch_1","recipients":[]}`))
	w := httptest.NewRecorder()
	h.Delivery(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestDeliveryCallbackWorkerErrorTriggersRedelivery(t *testing.T) {
	p := &fakeProcessor{deliveryErr: types.NewAppError(types.ErrCodeInternalStore, "redis down", errors.New("dial tcp"))}
	h := newTestCallbacks(p)

	req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/delivery", strings.NewReader(deliveryBody(t)))
	w := httptest.NewRecorder()
	h.Delivery(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("a store failure must return non-2xx so the queue redelivers, status = %d", w.Code)
	}
}

func TestFailureCallback(t *testing.T) {
	p := &fakeProcessor{}
	h := newTestCallbacks(p)

	env := types.CallbackEnvelope{
		MessageID: "msg-1",
		Retried:   3,
		Error:     "destination returned 500",
		Body:      []byte(deliveryBody(t)),
	}
	b, _ := json.Marshal(env)

	req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/failure", strings.NewReader(string(b)))
	w := httptest.NewRecorder()
	h.Failure(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if p.gotEnv.MessageID != "msg-1" || p.gotEnv.Retried != 3 {
		t.Errorf("envelope = %+v", p.gotEnv)
	}
}

func TestFailureCallbackFallsBackToHeaderMessageID(t *testing.T) {
	p := &fakeProcessor{}
	h := newTestCallbacks(p)

	env := types.CallbackEnvelope{Body: []byte(deliveryBody(t))}
	b, _ := json.Marshal(env)

	req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/failure", strings.NewReader(string(b)))
	req.Header.Set("Upstash-Message-Id", "msg-hdr")
	w := httptest.NewRecorder()
	h.Failure(w, req)

	if p.gotEnv.MessageID != "msg-hdr" {
		t.Errorf("message id = %q", p.gotEnv.MessageID)
	}
}

func TestFailureCallbackMalformed(t *testing.T) {
	h := newTestCallbacks(&fakeProcessor{})

	req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/failure", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	h.Failure(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

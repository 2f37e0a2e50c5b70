package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"remindq/internal/types"
)

func TestJSONWritesEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	JSON(w, r, http.StatusAccepted, APIResponse{Data: map[string]string{"batch_id": "batch_1"}})

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var resp APIResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body not json: %v", err)
	}
}

func TestErrorMapsAppError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req-1"))

	Error(w, r, types.NewAppError(types.ErrCodeNotFoundBatch, "batch not found: batch_1", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	var resp APIErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body not json: %v", err)
	}
	if resp.Error.Code != string(types.ErrCodeNotFoundBatch) {
		t.Errorf("code = %q", resp.Error.Code)
	}
	if resp.Error.RequestID != "req-1" {
		t.Errorf("request id = %q", resp.Error.RequestID)
	}
}

func TestErrorHidesGenericErrors(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	Error(w, r, errors.New("redis: connection refused to 10.0.0.5"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "10.0.0.5") {
		t.Error("internal error details leaked to the client")
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Email string `json:"email"`
	}

	cases := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"email":"a@example.com"}`, false},
		{"malformed", `{"email":`, true},
		{"unknown field", `{"email":"a@example.com","extra":1}`, true},
		{"empty body", ``, true},
		{"trailing value", `{"email":"a@example.com"}{"email":"b@example.com"}`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))

			var dst payload
			err := DecodeJSON(w, r, &dst)
			if tc.wantErr {
				var appErr *types.AppError
				if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeValidationInvalidJSON {
					t.Fatalf("expected invalid-json AppError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if dst.Email != "a@example.com" {
				t.Errorf("email = %q", dst.Email)
			}
		})
	}
}

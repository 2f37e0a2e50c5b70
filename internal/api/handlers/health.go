package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"remindq/internal/core"
)

// Pinger is the store health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health answers GET /health: 200 when the job store responds, 503 when it
// does not. The queue and email provider are not probed; their failures
// surface as job state, not as service unhealth.
func Health(store Pinger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			logger.ErrorContext(r.Context(), "health check failed", "error", err.Error())
			core.JSON(w, r, http.StatusServiceUnavailable, core.APIResponse{
				Data: map[string]string{"status": "degraded", "store": "unreachable"},
			})
			return
		}
		core.JSON(w, r, http.StatusOK, core.APIResponse{
			Data: map[string]string{"status": "ok"},
		})
	}
}

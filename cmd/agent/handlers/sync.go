// Package handlers provides the REST API for the offline agent.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/tyrerescue/agent/internal/sync/scheduler"
)

// SyncHandler exposes sync status and the manual retry trigger.
type SyncHandler struct {
	scheduler *scheduler.Scheduler
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(s *scheduler.Scheduler) *SyncHandler {
	return &SyncHandler{scheduler: s}
}

// Status handles GET /queue/status.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.scheduler.GetStatus())
}

// Trigger handles POST /sync/trigger (the "retry now" button).
// Fire-and-forget: responds 202 when a pass was started, 409 when one is
// already running.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	started := h.scheduler.TriggerSync(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if !started {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"started": false,
			"reason":  "sync pass already in progress",
		})
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"started": true,
	})
}

// SyncNow handles POST /sync/now. Runs a pass synchronously and returns
// the result; useful for scripted drains and tests.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	result := h.scheduler.SyncNow(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if result == nil {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"started": false,
			"reason":  "sync pass already in progress",
		})
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"attempted": result.Attempted,
		"delivered": result.Delivered,
		"failed":    result.Failed,
		"duration":  result.Duration.String(),
	})
}

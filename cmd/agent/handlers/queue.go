// Package handlers provides the REST API for the offline agent.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/tyrerescue/agent/internal/queue"
)

// EnqueueNotifier is notified after a submission is queued.
type EnqueueNotifier interface {
	RequestEnqueued(requestID string)
}

// QueueHandler handles submission intake and queue inspection.
type QueueHandler struct {
	queue         *queue.RequestQueue
	fallbackPhone string
	notifier      EnqueueNotifier
}

// NewQueueHandler creates a QueueHandler. fallbackPhone is the direct
// dispatch number shown to the caller whenever a submission is queued
// rather than confirmed, so a stranded driver always has a way forward.
func NewQueueHandler(q *queue.RequestQueue, fallbackPhone string) *QueueHandler {
	return &QueueHandler{
		queue:         q,
		fallbackPhone: fallbackPhone,
	}
}

// SetNotifier attaches an enqueue notifier (the WebSocket hub).
func (h *QueueHandler) SetNotifier(n EnqueueNotifier) {
	h.notifier = n
}

// Enqueue handles POST /requests.
// The form layer calls this after its direct delivery attempt failed; the
// payload is stored as given. Responds 202 with the fallback contact so the
// user always sees a way to reach dispatch directly.
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(payload) == 0 {
		http.Error(w, "Empty payload", http.StatusBadRequest)
		return
	}

	req, err := h.queue.Enqueue(payload)
	if err != nil {
		http.Error(w, "Payload could not be queued", http.StatusBadRequest)
		return
	}

	if h.notifier != nil {
		h.notifier.RequestEnqueued(req.ID.String())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"request_id":     req.ID,
		"queued":         true,
		"fallback_phone": h.fallbackPhone,
		"message":        "Your request is saved and will be sent as soon as we are back online. For immediate help call dispatch directly.",
	})
}

// Pending handles GET /queue/pending.
func (h *QueueHandler) Pending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.queue.ListPending()
	if err != nil {
		http.Error(w, "Failed to list pending requests", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"count":    len(pending),
		"requests": pending,
	})
}

// DeadLetters handles GET /queue/dead.
func (h *QueueHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := h.queue.DeadLetters()
	if err != nil {
		http.Error(w, "Failed to list dead letters", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"count":   len(letters),
		"letters": letters,
	})
}

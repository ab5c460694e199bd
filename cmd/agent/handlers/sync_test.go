package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tyrerescue/agent/internal/queue"
	syncpkg "github.com/tyrerescue/agent/internal/sync"
	"github.com/tyrerescue/agent/internal/sync/scheduler"
)

// holdDeliverer blocks deliveries until hold is closed; a nil hold
// succeeds immediately.
type holdDeliverer struct {
	hold chan struct{}
}

func (d *holdDeliverer) Deliver(ctx context.Context, payload []byte) error {
	if d.hold != nil {
		select {
		case <-d.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func setupSyncHandler(t *testing.T, d syncpkg.Deliverer) (*SyncHandler, *queue.RequestQueue, *scheduler.Scheduler) {
	t.Helper()

	q := setupTestQueue(t)
	coordinator := syncpkg.NewCoordinator(q, d, time.Second)
	sched := scheduler.New(coordinator, q, &scheduler.Config{
		DrainInterval:   time.Hour,
		PurgeInterval:   time.Hour,
		Retention:       24 * time.Hour,
		TriggerDebounce: 50 * time.Millisecond,
	})
	return NewSyncHandler(sched), q, sched
}

func TestStatusHandler(t *testing.T) {
	h, q, _ := setupSyncHandler(t, &holdDeliverer{})

	q.Enqueue(map[string]interface{}{"name": "A"})

	req := httptest.NewRequest(http.MethodGet, "/queue/status", nil)
	rec := httptest.NewRecorder()

	h.Status(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp struct {
		IsOnline       bool `json:"is_online"`
		PassInProgress bool `json:"pass_in_progress"`
		Queue          struct {
			Pending int `json:"pending"`
		} `json:"queue"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.IsOnline {
		t.Error("Expected online before any probe reports")
	}
	if resp.PassInProgress {
		t.Error("Expected no pass in progress")
	}
	if resp.Queue.Pending != 1 {
		t.Errorf("Expected 1 pending in status, got %d", resp.Queue.Pending)
	}
}

func TestSyncNowHandler(t *testing.T) {
	h, q, _ := setupSyncHandler(t, &holdDeliverer{})

	q.Enqueue(map[string]interface{}{"name": "A"})

	req := httptest.NewRequest(http.MethodPost, "/sync/now", nil)
	rec := httptest.NewRecorder()

	h.SyncNow(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Attempted int `json:"attempted"`
		Delivered int `json:"delivered"`
		Failed    int `json:"failed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Attempted != 1 || resp.Delivered != 1 || resp.Failed != 0 {
		t.Errorf("Unexpected result: %+v", resp)
	}

	pending, err := q.ListPending()
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected queue drained, got %d pending", len(pending))
	}
}

func TestTriggerHandler(t *testing.T) {
	d := &holdDeliverer{hold: make(chan struct{})}
	h, q, sched := setupSyncHandler(t, d)

	q.Enqueue(map[string]interface{}{"name": "A"})

	req := httptest.NewRequest(http.MethodPost, "/sync/trigger", nil)
	rec := httptest.NewRecorder()

	h.Trigger(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", rec.Code)
	}

	// Wait for the pass goroutine to take the in-progress guard, then a
	// second trigger must be rejected
	deadline := time.Now().Add(2 * time.Second)
	for !sched.GetStatus().PassInProgress {
		if time.Now().After(deadline) {
			t.Fatal("Pass never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec = httptest.NewRecorder()
	h.Trigger(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 while a pass is running, got %d", rec.Code)
	}

	var resp struct {
		Started bool   `json:"started"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Started || resp.Reason == "" {
		t.Errorf("Expected started=false with a reason, got %+v", resp)
	}

	close(d.hold)
	for sched.GetStatus().PassInProgress {
		time.Sleep(5 * time.Millisecond)
	}
}

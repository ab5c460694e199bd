package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tyrerescue/agent/cmd/agent/handlers"
	"github.com/tyrerescue/agent/internal/db"
	"github.com/tyrerescue/agent/internal/queue"
	syncpkg "github.com/tyrerescue/agent/internal/sync"
	"github.com/tyrerescue/agent/internal/sync/scheduler"
)

// bookingStub stands in for the booking API. It can be switched between
// healthy and down and records every accepted submission in order.
type bookingStub struct {
	mu       sync.Mutex
	healthy  bool
	received []map[string]interface{}
}

func (b *bookingStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()

		if !b.healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		body, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		if err := json.Unmarshal(body, &payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b.received = append(b.received, payload)
		w.WriteHeader(http.StatusCreated)
	}
}

func (b *bookingStub) setHealthy(healthy bool) {
	b.mu.Lock()
	b.healthy = healthy
	b.mu.Unlock()
}

func (b *bookingStub) receivedNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.received))
	for _, p := range b.received {
		name, _ := p["name"].(string)
		names = append(names, name)
	}
	return names
}

// agent bundles the wired components the way main does.
type agent struct {
	database *db.DB
	queue    *queue.RequestQueue
	sched    *scheduler.Scheduler
	api      http.Handler
}

func startAgent(t *testing.T, dataDir, endpoint string) *agent {
	t.Helper()

	database, err := db.Open(dataDir)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		t.Fatalf("Failed to initialize migrator: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	repo := db.NewRepository(database.DB)
	q := queue.New(repo, queue.Options{})

	deliverer := syncpkg.NewHTTPDeliverer(endpoint, time.Second)
	coordinator := syncpkg.NewCoordinator(q, deliverer, time.Second)
	sched := scheduler.New(coordinator, q, &scheduler.Config{
		DrainInterval:   time.Hour,
		PurgeInterval:   time.Hour,
		Retention:       24 * time.Hour,
		TriggerDebounce: 50 * time.Millisecond,
	})

	queueHandler := handlers.NewQueueHandler(q, "0800-555-0199")
	syncHandler := handlers.NewSyncHandler(sched)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /requests", queueHandler.Enqueue)
	mux.HandleFunc("GET /queue/pending", queueHandler.Pending)
	mux.HandleFunc("GET /queue/status", syncHandler.Status)
	mux.HandleFunc("POST /sync/now", syncHandler.SyncNow)

	a := &agent{database: database, queue: q, sched: sched, api: mux}
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})
	return a
}

func (a *agent) submit(t *testing.T, name string) {
	t.Helper()

	body, _ := json.Marshal(map[string]interface{}{
		"name":      name,
		"phone":     "07700900123",
		"emergency": "flat tyre",
	})
	req := httptest.NewRequest(http.MethodPost, "/requests", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	a.api.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Submit %s: expected 202, got %d: %s", name, rec.Code, rec.Body.String())
	}
}

func (a *agent) pendingCount(t *testing.T) int {
	t.Helper()
	pending, err := a.queue.ListPending()
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	return len(pending)
}

func TestOfflineSubmissionsSyncOnReconnect(t *testing.T) {
	stub := &bookingStub{}
	bookingAPI := httptest.NewServer(stub.handler())
	defer bookingAPI.Close()

	a := startAgent(t, t.TempDir(), bookingAPI.URL)

	// Booking API is down; submissions queue up instead of getting lost
	stub.setHealthy(false)
	a.submit(t, "first")
	a.submit(t, "second")
	a.submit(t, "third")

	result := a.sched.SyncNow(context.Background())
	if result.Delivered != 0 || result.Failed != 3 {
		t.Fatalf("Expected all deliveries to fail while down, got %+v", result)
	}
	if got := a.pendingCount(t); got != 3 {
		t.Fatalf("Expected 3 still pending, got %d", got)
	}

	// Connectivity returns; the offline-to-online transition drains the
	// queue in submission order
	stub.setHealthy(true)
	a.sched.SetOnlineStatus(context.Background(), false)
	a.sched.SetOnlineStatus(context.Background(), true)

	deadline := time.Now().Add(3 * time.Second)
	for a.pendingCount(t) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Queue not drained after reconnect, %d pending", a.pendingCount(t))
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := stub.receivedNames()
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d submissions delivered, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	stub := &bookingStub{}
	bookingAPI := httptest.NewServer(stub.handler())
	defer bookingAPI.Close()

	dataDir := t.TempDir()

	// First agent run: booking API down, submission queues
	a := startAgent(t, dataDir, bookingAPI.URL)
	stub.setHealthy(false)
	a.submit(t, "survivor")
	if got := a.pendingCount(t); got != 1 {
		t.Fatalf("Expected 1 pending, got %d", got)
	}
	a.database.Close()

	// Second agent run over the same data directory
	stub.setHealthy(true)
	b := startAgent(t, dataDir, bookingAPI.URL)
	if got := b.pendingCount(t); got != 1 {
		t.Fatalf("Expected queued entry to survive restart, got %d pending", got)
	}

	result := b.sched.SyncNow(context.Background())
	if result.Delivered != 1 {
		t.Fatalf("Expected survivor delivered after restart, got %+v", result)
	}

	got := stub.receivedNames()
	if len(got) != 1 || got[0] != "survivor" {
		t.Errorf("Expected [survivor] delivered, got %v", got)
	}
}

func TestDuplicateSyncIsHarmless(t *testing.T) {
	stub := &bookingStub{healthy: true}
	bookingAPI := httptest.NewServer(stub.handler())
	defer bookingAPI.Close()

	a := startAgent(t, t.TempDir(), bookingAPI.URL)
	a.submit(t, "once")

	first := a.sched.SyncNow(context.Background())
	if first.Delivered != 1 {
		t.Fatalf("Expected 1 delivered, got %+v", first)
	}

	// Further passes find nothing to do and nothing is re-sent
	second := a.sched.SyncNow(context.Background())
	if second.Attempted != 0 {
		t.Errorf("Expected nothing attempted on second pass, got %d", second.Attempted)
	}
	if got := stub.receivedNames(); len(got) != 1 {
		t.Errorf("Expected exactly 1 delivery total, got %d", len(got))
	}
}

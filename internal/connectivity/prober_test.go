package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// recordingSink captures status transitions from the prober.
type recordingSink struct {
	mu       sync.Mutex
	statuses []bool
	notify   chan bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan bool, 16)}
}

func (s *recordingSink) SetOnlineStatus(ctx context.Context, isOnline bool) {
	s.mu.Lock()
	s.statuses = append(s.statuses, isOnline)
	s.mu.Unlock()
	s.notify <- isOnline
}

func TestProbeReachableEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("Expected HEAD probe, got %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := NewProber(server.URL, time.Second, newRecordingSink())
	if !p.Probe(context.Background()) {
		t.Error("Expected online for reachable endpoint")
	}
}

func TestProbeMethodNotAllowedStillOnline(t *testing.T) {
	// A 405 proves the network path works; only transport failures count
	// as offline.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer server.Close()

	p := NewProber(server.URL, time.Second, newRecordingSink())
	if !p.Probe(context.Background()) {
		t.Error("Expected online for endpoint returning 405")
	}
}

func TestProbeUnreachableEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	p := NewProber(server.URL, time.Second, newRecordingSink())
	if p.Probe(context.Background()) {
		t.Error("Expected offline for unreachable endpoint")
	}
}

func TestProberReportsToSink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := newRecordingSink()
	p := NewProber(server.URL, 20*time.Millisecond, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx)
	defer p.Stop()

	select {
	case online := <-sink.notify:
		if !online {
			t.Error("Expected online report for reachable endpoint")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for prober report")
	}
}

func TestProberStopIsIdempotent(t *testing.T) {
	p := NewProber("http://127.0.0.1:0", time.Second, newRecordingSink())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx)
	p.Start(ctx) // no-op
	p.Stop()
	p.Stop() // no-op
}

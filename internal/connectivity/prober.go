// Package connectivity detects network transitions by probing the booking
// API. It is the agent's stand-in for the browser online/offline events:
// the prober only produces a signal, it never touches the queue itself.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/tyrerescue/agent/internal/logging"
)

// StatusSink receives online/offline transitions.
type StatusSink interface {
	SetOnlineStatus(ctx context.Context, isOnline bool)
}

// Prober periodically checks whether the submission endpoint is reachable.
type Prober struct {
	endpoint string
	interval time.Duration
	client   *http.Client
	sink     StatusSink

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// DefaultProbeInterval is how often the endpoint is checked.
const DefaultProbeInterval = 15 * time.Second

// defaultProbeTimeout bounds a single probe; a slow endpoint counts as down.
const defaultProbeTimeout = 3 * time.Second

// NewProber creates a Prober reporting to sink. A zero interval falls back
// to DefaultProbeInterval.
func NewProber(endpoint string, interval time.Duration, sink StatusSink) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Prober{
		endpoint: endpoint,
		interval: interval,
		client:   &http.Client{Timeout: defaultProbeTimeout},
		sink:     sink,
		stopCh:   make(chan struct{}),
	}
}

// Start begins probing in the background.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)

	logging.Info("Connectivity prober started",
		map[string]interface{}{"interval_seconds": p.interval.Seconds()})
}

// Stop stops probing.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sink.SetOnlineStatus(ctx, p.Probe(ctx))
		}
	}
}

// Probe performs one reachability check. Any response at all counts as
// online; the endpoint may well return 405 for HEAD and that still proves
// the network path works.
func (p *Prober) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, p.endpoint, nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

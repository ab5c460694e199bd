// Package scheduler turns connectivity signals and timers into sync passes.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/tyrerescue/agent/internal/logging"
	"github.com/tyrerescue/agent/internal/queue"
	syncpkg "github.com/tyrerescue/agent/internal/sync"
)

// Config holds scheduler configuration.
type Config struct {
	DrainInterval  time.Duration // periodic queue drain (default: 1 minute)
	PurgeInterval  time.Duration // how often to purge synced entries (default: 1 hour)
	Retention      time.Duration // synced-entry retention window (default: 24 hours)
	TriggerDebounce time.Duration // minimum gap between event-driven passes (default: 2 seconds)
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		DrainInterval:   1 * time.Minute,
		PurgeInterval:   1 * time.Hour,
		Retention:       24 * time.Hour,
		TriggerDebounce: 2 * time.Second,
	}
}

// Scheduler owns the background drain and purge loops and converts
// connectivity transitions into sync passes. The coordinator itself is
// stateless; all debouncing and in-progress guarding lives here.
type Scheduler struct {
	coordinator *syncpkg.Coordinator
	queue       *queue.RequestQueue
	cfg         *Config

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	passInProgress bool
	lastPassTime   time.Time
	lastTrigger    time.Time
	lastResult     *syncpkg.PassResult
	notifier       PassNotifier
}

// SetNotifier attaches a pass lifecycle notifier. Must be called before
// Start.
func (s *Scheduler) SetNotifier(n PassNotifier) {
	s.notifier = n
}

// PassNotifier receives pass lifecycle events, e.g. for a dashboard feed.
// All methods are called from the pass goroutine and must not block.
type PassNotifier interface {
	PassStarted()
	PassCompleted(result *syncpkg.PassResult)
}

// New creates a Scheduler. A nil cfg uses DefaultConfig.
func New(coordinator *syncpkg.Coordinator, q *queue.RequestQueue, cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		coordinator: coordinator,
		queue:       q,
		cfg:         cfg,
		stopCh:      make(chan struct{}),
		isOnline:    true, // assume online until the prober says otherwise
	}
}

// Start starts the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.drainLoop(ctx)
	go s.purgeLoop(ctx)

	logging.Info("Sync scheduler started", nil)
}

// Stop stops the background loops gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

// SetOnlineStatus records a connectivity transition. An offline-to-online
// transition schedules an immediate pass, debounced so rapid flapping does
// not stack passes.
func (s *Scheduler) SetOnlineStatus(ctx context.Context, isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	debounced := time.Since(s.lastTrigger) < s.cfg.TriggerDebounce
	if isOnline && !wasOnline && !debounced {
		s.lastTrigger = time.Now()
	}
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}

	logging.Info("Online status changed",
		map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})

	if isOnline && !debounced {
		go s.runPass(ctx)
	}
}

// TriggerSync schedules an immediate pass (the manual "retry now" path).
// Returns false if a pass is already running.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.RLock()
	busy := s.passInProgress
	s.mu.RUnlock()

	if busy {
		return false
	}

	go s.runPass(ctx)
	return true
}

// SyncNow runs a pass synchronously and returns its result. Used by the
// admin API when the caller wants the outcome, not just a kick.
func (s *Scheduler) SyncNow(ctx context.Context) *syncpkg.PassResult {
	return s.runPass(ctx)
}

// drainLoop periodically drains the queue. The drain runs regardless of
// the online flag: if the network is actually down every attempt fails
// fast and the entries simply stay queued.
func (s *Scheduler) drainLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runPass(ctx)
		}
	}
}

// purgeLoop periodically deletes synced entries past retention.
func (s *Scheduler) purgeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			purged, err := s.queue.PurgeOld(s.cfg.Retention)
			if err != nil {
				logging.Error("Purge failed", err, nil)
				continue
			}
			if purged > 0 {
				logging.Info("Purged synced requests",
					map[string]interface{}{"purged": purged})
			}
		}
	}
}

// runPass executes one pass with an in-progress guard; overlapping
// invocations are dropped rather than queued.
func (s *Scheduler) runPass(ctx context.Context) *syncpkg.PassResult {
	s.mu.Lock()
	if s.passInProgress {
		s.mu.Unlock()
		logging.Debug("Sync pass already in progress, skipping", nil)
		return nil
	}
	s.passInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.passInProgress = false
		s.mu.Unlock()
	}()

	if s.notifier != nil {
		s.notifier.PassStarted()
	}

	result := s.coordinator.RunPass(ctx)

	if s.notifier != nil {
		s.notifier.PassCompleted(result)
	}

	s.mu.Lock()
	s.lastPassTime = time.Now()
	s.lastResult = result
	s.mu.Unlock()

	return result
}

// Status reports scheduler state for the admin API.
type Status struct {
	IsRunning      bool                `json:"is_running"`
	IsOnline       bool                `json:"is_online"`
	PassInProgress bool                `json:"pass_in_progress"`
	LastPassTime   *time.Time          `json:"last_pass_time,omitempty"`
	LastResult     *syncpkg.PassResult `json:"last_result,omitempty"`
	Queue          *queue.Stats        `json:"queue,omitempty"`
}

// GetStatus returns the current scheduler status.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	status := Status{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		PassInProgress: s.passInProgress,
		LastResult:     s.lastResult,
	}
	if !s.lastPassTime.IsZero() {
		t := s.lastPassTime
		status.LastPassTime = &t
	}
	s.mu.RUnlock()

	stats, err := s.queue.Stats()
	if err == nil {
		status.Queue = stats
	}

	return status
}

// IsOnline returns whether the scheduler believes the network is up.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the background loops are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

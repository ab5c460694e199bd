// Package sync drains the offline request queue when connectivity allows.
package sync

import (
	"context"
	"time"

	"github.com/tyrerescue/agent/internal/logging"
	"github.com/tyrerescue/agent/internal/models"
	"github.com/tyrerescue/agent/internal/queue"
)

// Coordinator resends queued requests. It is stateless and safe to invoke
// repeatedly; debouncing of rapid triggers belongs to the caller.
type Coordinator struct {
	queue          *queue.RequestQueue
	deliverer      Deliverer
	attemptTimeout time.Duration
}

// PassResult summarizes one sync pass over the pending snapshot.
type PassResult struct {
	Attempted int
	Delivered int
	Failed    int
	Skipped   int // claimed by another drainer
	StartTime time.Time
	Duration  time.Duration
}

// NewCoordinator creates a Coordinator. A zero attemptTimeout falls back
// to DefaultAttemptTimeout.
func NewCoordinator(q *queue.RequestQueue, d Deliverer, attemptTimeout time.Duration) *Coordinator {
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultAttemptTimeout
	}
	return &Coordinator{
		queue:          q,
		deliverer:      d,
		attemptTimeout: attemptTimeout,
	}
}

// RunPass drains the pending queue once.
//
// The pending list is snapshotted up front; entries enqueued mid-pass wait
// for the next trigger so a pass has bounded length. Entries are attempted
// in FIFO order and each attempt is independent: a failure on one entry
// never blocks the next. Delivery errors are recorded on the entry and
// swallowed, never returned to the trigger caller.
func (c *Coordinator) RunPass(ctx context.Context) *PassResult {
	result := &PassResult{StartTime: time.Now()}
	defer func() {
		result.Duration = time.Since(result.StartTime)
	}()

	pending, err := c.queue.ListPending()
	if err != nil {
		logging.Error("Failed to snapshot pending queue", err, nil)
		return result
	}
	if len(pending) == 0 {
		return result
	}

	logging.Info("Sync pass started",
		map[string]interface{}{"pending": len(pending)})

	for _, req := range pending {
		select {
		case <-ctx.Done():
			logging.Info("Sync pass canceled",
				map[string]interface{}{"delivered": result.Delivered})
			return result
		default:
		}

		c.attempt(ctx, req, result)
	}

	logging.Info("Sync pass completed",
		map[string]interface{}{
			"attempted": result.Attempted,
			"delivered": result.Delivered,
			"failed":    result.Failed,
		})

	return result
}

// attempt delivers a single entry and reconciles its state.
func (c *Coordinator) attempt(ctx context.Context, req *models.QueuedRequest, result *PassResult) {
	claimed, err := c.queue.Claim(req.ID.String())
	if err != nil {
		logging.Error("Failed to claim request", err,
			map[string]interface{}{"request_id": req.ID.String()})
		result.Skipped++
		return
	}
	if !claimed {
		result.Skipped++
		return
	}

	result.Attempted++

	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	err = c.deliverer.Deliver(attemptCtx, req.Payload)
	cancel()

	if err != nil {
		result.Failed++
		if recErr := c.queue.RecordFailure(req.ID.String(), err); recErr != nil {
			logging.Error("Failed to record delivery failure", recErr,
				map[string]interface{}{"request_id": req.ID.String()})
		}
		logging.Debug("Delivery failed, request stays queued",
			map[string]interface{}{"request_id": req.ID.String(), "error": err.Error()})
		return
	}

	if err := c.queue.MarkSynced(req.ID.String()); err != nil {
		// Delivered but not recorded: the entry will be resent next pass.
		// The booking API deduplicates on request ID, so this is safe.
		logging.Error("Delivered but failed to mark synced", err,
			map[string]interface{}{"request_id": req.ID.String()})
		result.Failed++
		return
	}

	result.Delivered++
}

// Package queue manages the durable offline queue of emergency submissions.
//
// The queue owns its storage handle; callers never touch the underlying
// tables or keys directly. Entries are append-only until their synced flag
// flips, processing order is FIFO, and unsynced entries are never purged.
package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tyrerescue/agent/internal/db"
	"github.com/tyrerescue/agent/internal/errors"
	"github.com/tyrerescue/agent/internal/logging"
	"github.com/tyrerescue/agent/internal/models"
	"github.com/tyrerescue/agent/internal/uuid"
)

// Options configures optional queue policies. The zero value matches the
// baseline behavior: no attempt budget, no delivery leases.
type Options struct {
	// MaxAttempts moves an entry to the dead-letter table once its delivery
	// attempt count reaches this budget. 0 disables the policy and entries
	// are retried indefinitely.
	MaxAttempts int

	// LeaseTTL enables per-entry delivery claims for deployments where more
	// than one process drains the same queue. 0 disables leasing.
	LeaseTTL time.Duration
}

// RequestQueue records emergency submissions that could not be delivered.
type RequestQueue struct {
	repo *db.Repository
	opts Options

	mu sync.Mutex
	// fallback holds entries whose durable write failed. They survive only
	// for the current process lifetime, an explicitly weaker guarantee.
	fallback []*models.QueuedRequest
	degraded bool
}

// New creates a RequestQueue over the given repository.
func New(repo *db.Repository, opts Options) *RequestQueue {
	return &RequestQueue{
		repo: repo,
		opts: opts,
	}
}

// Enqueue appends a new request with the given payload. The payload is
// stored as-is; validation happened before the original delivery attempt.
//
// Enqueue never surfaces a storage failure to the caller: when the durable
// write fails the entry is kept in an in-memory fallback list for the
// current process lifetime and the failure is logged for the operator.
func (q *RequestQueue) Enqueue(payload map[string]interface{}) (*models.QueuedRequest, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "payload is not serializable", err)
	}

	req := &models.QueuedRequest{
		ID:         models.UUID(uuid.New()),
		Payload:    raw,
		EnqueuedAt: time.Now().UnixMilli(),
		Synced:     false,
	}

	if err := q.repo.InsertRequest(req); err != nil {
		q.mu.Lock()
		q.fallback = append(q.fallback, req)
		q.degraded = true
		q.mu.Unlock()

		logging.ErrorWithCode("Durable enqueue failed, holding request in memory",
			string(errors.ErrStorageDegraded), err,
			map[string]interface{}{"request_id": req.ID.String()})
		return req, nil
	}

	logging.Debug("Enqueued request",
		map[string]interface{}{"request_id": req.ID.String()})

	return req, nil
}

// ListPending returns unsynced entries oldest first. Durable entries come
// before in-memory fallback entries; within each group order is FIFO.
func (q *RequestQueue) ListPending() ([]*models.QueuedRequest, error) {
	durable, err := q.repo.ListPending(time.Now())
	if err != nil {
		// Degraded mode: the fallback list is all we can see.
		logging.ErrorWithCode("Failed to read durable queue",
			string(errors.ErrStorageDegraded), err, nil)
		durable = nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, req := range q.fallback {
		if !req.Synced {
			durable = append(durable, req)
		}
	}
	return durable, nil
}

// MarkSynced flips the synced flag for the matching entry. Idempotent:
// marking an already-synced or unknown entry is a no-op.
func (q *RequestQueue) MarkSynced(id string) error {
	q.mu.Lock()
	for _, req := range q.fallback {
		if req.ID.String() == id {
			req.Synced = true
			req.SyncedAt = time.Now().UnixMilli()
			q.mu.Unlock()
			return nil
		}
	}
	q.mu.Unlock()

	return q.repo.MarkSynced(id, time.Now())
}

// PurgeOld deletes synced entries older than the retention window.
// Unsynced entries are never purged regardless of age.
func (q *RequestQueue) PurgeOld(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)

	q.mu.Lock()
	kept := q.fallback[:0]
	var memPurged int64
	for _, req := range q.fallback {
		if req.Synced && req.EnqueuedTime().Before(cutoff) {
			memPurged++
			continue
		}
		kept = append(kept, req)
	}
	q.fallback = kept
	q.mu.Unlock()

	purged, err := q.repo.PurgeSynced(cutoff)
	if err != nil {
		return memPurged, errors.Wrap(errors.ErrDatabase, "purge failed", err)
	}
	return purged + memPurged, nil
}

// Claim takes a delivery lease on the entry when leasing is enabled.
// With leasing disabled it always reports success, matching the
// single-owner baseline. Fallback entries are process-local, so a lease
// is meaningless and granted unconditionally.
func (q *RequestQueue) Claim(id string) (bool, error) {
	if q.opts.LeaseTTL <= 0 {
		return true, nil
	}

	q.mu.Lock()
	for _, req := range q.fallback {
		if req.ID.String() == id {
			q.mu.Unlock()
			return true, nil
		}
	}
	q.mu.Unlock()

	now := time.Now()
	return q.repo.ClaimRequest(id, now.Add(q.opts.LeaseTTL), now)
}

// Release drops a delivery lease early.
func (q *RequestQueue) Release(id string) error {
	if q.opts.LeaseTTL <= 0 {
		return nil
	}
	return q.repo.ReleaseRequest(id)
}

// RecordFailure notes a failed delivery attempt. When an attempt budget is
// configured and exhausted, the entry moves to the dead-letter table rather
// than being dropped.
func (q *RequestQueue) RecordFailure(id string, deliveryErr error) error {
	msg := ""
	if deliveryErr != nil {
		msg = deliveryErr.Error()
	}

	q.mu.Lock()
	for _, req := range q.fallback {
		if req.ID.String() == id {
			req.Attempts++
			req.LastError = msg
			q.mu.Unlock()
			// Fallback entries have no durable dead-letter home; they keep
			// retrying for the life of the process.
			return nil
		}
	}
	q.mu.Unlock()

	attempts, err := q.repo.RecordFailure(id, msg)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to record delivery failure", err)
	}

	if q.opts.MaxAttempts > 0 && attempts >= q.opts.MaxAttempts {
		reason := fmt.Sprintf("attempt budget exhausted (%d): %s", attempts, msg)
		if err := q.repo.MoveToDeadLetter(id, reason, time.Now()); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to dead-letter request", err)
		}
		logging.Warn("Request moved to dead letters",
			map[string]interface{}{"request_id": id, "attempts": attempts})
	}

	return nil
}

// DeadLetters returns entries that exhausted the attempt budget.
func (q *RequestQueue) DeadLetters() ([]*models.DeadLetter, error) {
	return q.repo.ListDeadLetters()
}

// Stats reports queue state for the status endpoint.
type Stats struct {
	Pending  int  `json:"pending"`
	Synced   int  `json:"synced"`
	Dead     int  `json:"dead"`
	Fallback int  `json:"fallback"`
	Degraded bool `json:"degraded"`
}

// Stats returns current queue statistics.
func (q *RequestQueue) Stats() (*Stats, error) {
	counts, err := q.repo.CountByState()
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to count queue state", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	stats := &Stats{
		Pending:  counts.Pending,
		Synced:   counts.Synced,
		Dead:     counts.Dead,
		Degraded: q.degraded,
	}
	for _, req := range q.fallback {
		if !req.Synced {
			stats.Fallback++
			stats.Pending++
		}
	}
	return stats, nil
}

// Package db provides persistence operations for the request queue.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tyrerescue/agent/internal/models"
	"github.com/tyrerescue/agent/internal/uuid"
)

// Repository provides CRUD operations for the queue tables.
// Frequently used statements are prepared on first use and cached.
type Repository struct {
	db *sql.DB

	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from the cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine prepared this first, use theirs
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// QueuedRequest operations
// =====================================================

const queuedRequestColumns = "seq, id, payload, enqueued_at, synced, synced_at, attempts, last_error, claimed_until"

// InsertRequest persists a new queued request. ID and EnqueuedAt are
// assigned here when unset so callers only supply the payload.
func (r *Repository) InsertRequest(req *models.QueuedRequest) error {
	if req.ID == "" {
		req.ID = models.UUID(uuid.New())
	}
	if req.EnqueuedAt == 0 {
		req.EnqueuedAt = time.Now().UnixMilli()
	}

	stmt, err := r.PrepareStmt(`
		INSERT INTO request_queue (id, payload, enqueued_at, synced, synced_at, attempts, last_error, claimed_until)
		VALUES (?, ?, ?, 0, 0, 0, '', 0)`)
	if err != nil {
		return err
	}

	res, err := stmt.Exec(string(req.ID), string(req.Payload), req.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}

	if seq, err := res.LastInsertId(); err == nil {
		req.Seq = seq
	}

	return nil
}

// GetRequest returns a single queued request by ID.
func (r *Repository) GetRequest(id string) (*models.QueuedRequest, error) {
	stmt, err := r.PrepareStmt(`
		SELECT ` + queuedRequestColumns + ` FROM request_queue WHERE id = ?`)
	if err != nil {
		return nil, err
	}

	return scanRequest(stmt.QueryRow(id))
}

// ListPending returns unsynced requests in FIFO order (oldest first).
// Entries holding an unexpired claim lease are excluded.
func (r *Repository) ListPending(now time.Time) ([]*models.QueuedRequest, error) {
	stmt, err := r.PrepareStmt(`
		SELECT ` + queuedRequestColumns + ` FROM request_queue
		WHERE synced = 0 AND claimed_until <= ?
		ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	defer rows.Close()

	var requests []*models.QueuedRequest
	for rows.Next() {
		req, err := scanRequestRows(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// MarkSynced flips the synced flag for the matching entry. Marking an
// already-synced or missing entry is a no-op.
func (r *Repository) MarkSynced(id string, now time.Time) error {
	stmt, err := r.PrepareStmt(`
		UPDATE request_queue
		SET synced = 1, synced_at = ?, claimed_until = 0
		WHERE id = ? AND synced = 0`)
	if err != nil {
		return err
	}

	if _, err := stmt.Exec(now.UnixMilli(), id); err != nil {
		return fmt.Errorf("failed to mark request synced: %w", err)
	}
	return nil
}

// PurgeSynced deletes synced entries enqueued before the cutoff.
// Unsynced entries are never touched here, whatever their age.
func (r *Repository) PurgeSynced(cutoff time.Time) (int64, error) {
	stmt, err := r.PrepareStmt(`
		DELETE FROM request_queue WHERE synced = 1 AND enqueued_at < ?`)
	if err != nil {
		return 0, err
	}

	res, err := stmt.Exec(cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge synced requests: %w", err)
	}
	return res.RowsAffected()
}

// ClaimRequest takes a delivery lease on an unsynced, unclaimed entry.
// Returns false when the entry is missing, synced, or already claimed.
func (r *Repository) ClaimRequest(id string, until time.Time, now time.Time) (bool, error) {
	stmt, err := r.PrepareStmt(`
		UPDATE request_queue
		SET claimed_until = ?
		WHERE id = ? AND synced = 0 AND claimed_until <= ?`)
	if err != nil {
		return false, err
	}

	res, err := stmt.Exec(until.UnixMilli(), id, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to claim request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseRequest drops a delivery lease, making the entry visible to the
// next sync pass immediately.
func (r *Repository) ReleaseRequest(id string) error {
	stmt, err := r.PrepareStmt(`
		UPDATE request_queue SET claimed_until = 0 WHERE id = ?`)
	if err != nil {
		return err
	}
	if _, err := stmt.Exec(id); err != nil {
		return fmt.Errorf("failed to release request: %w", err)
	}
	return nil
}

// RecordFailure bumps the attempt counter and stores the delivery error.
// Returns the updated attempt count.
func (r *Repository) RecordFailure(id string, deliveryErr string) (int, error) {
	stmt, err := r.PrepareStmt(`
		UPDATE request_queue
		SET attempts = attempts + 1, last_error = ?, claimed_until = 0
		WHERE id = ? AND synced = 0`)
	if err != nil {
		return 0, err
	}

	if _, err := stmt.Exec(deliveryErr, id); err != nil {
		return 0, fmt.Errorf("failed to record delivery failure: %w", err)
	}

	var attempts int
	row := r.db.QueryRow("SELECT attempts FROM request_queue WHERE id = ?", id)
	if err := row.Scan(&attempts); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return attempts, nil
}

// MoveToDeadLetter relocates an entry into the dead_letters table in a
// single transaction so it cannot be lost between the two tables.
func (r *Repository) MoveToDeadLetter(id, reason string, now time.Time) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id, payload, enqueued_at, attempts FROM request_queue WHERE id = ? AND synced = 0`, id)

	var dl models.DeadLetter
	var payload string
	if err := row.Scan(&dl.ID, &payload, &dl.EnqueuedAt, &dl.Attempts); err != nil {
		if err == sql.ErrNoRows {
			return nil // already gone, nothing to move
		}
		return fmt.Errorf("failed to load request for dead-letter: %w", err)
	}
	dl.Payload = json.RawMessage(payload)

	if _, err := tx.Exec(`
		INSERT INTO dead_letters (id, payload, enqueued_at, attempts, moved_at, reason)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(dl.ID), payload, dl.EnqueuedAt, dl.Attempts, now.UnixMilli(), reason); err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM request_queue WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to remove dead-lettered request: %w", err)
	}

	return tx.Commit()
}

// ListDeadLetters returns dead-lettered requests, newest first.
func (r *Repository) ListDeadLetters() ([]*models.DeadLetter, error) {
	rows, err := r.db.Query(`
		SELECT id, payload, enqueued_at, attempts, moved_at, reason
		FROM dead_letters ORDER BY moved_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*models.DeadLetter
	for rows.Next() {
		var dl models.DeadLetter
		var payload string
		if err := rows.Scan(&dl.ID, &payload, &dl.EnqueuedAt, &dl.Attempts, &dl.MovedAt, &dl.Reason); err != nil {
			return nil, err
		}
		dl.Payload = json.RawMessage(payload)
		letters = append(letters, &dl)
	}
	return letters, rows.Err()
}

// QueueCounts holds per-state row counts for status reporting.
type QueueCounts struct {
	Pending int `json:"pending"`
	Synced  int `json:"synced"`
	Dead    int `json:"dead"`
}

// CountByState returns row counts for the status endpoint.
func (r *Repository) CountByState() (*QueueCounts, error) {
	var counts QueueCounts

	row := r.db.QueryRow("SELECT COUNT(*) FROM request_queue WHERE synced = 0")
	if err := row.Scan(&counts.Pending); err != nil {
		return nil, err
	}

	row = r.db.QueryRow("SELECT COUNT(*) FROM request_queue WHERE synced = 1")
	if err := row.Scan(&counts.Synced); err != nil {
		return nil, err
	}

	row = r.db.QueryRow("SELECT COUNT(*) FROM dead_letters")
	if err := row.Scan(&counts.Dead); err != nil {
		return nil, err
	}

	return &counts, nil
}

// =====================================================
// Row scanning helpers
// =====================================================

func scanRequest(row *sql.Row) (*models.QueuedRequest, error) {
	var req models.QueuedRequest
	var payload string
	var synced int
	err := row.Scan(&req.Seq, &req.ID, &payload, &req.EnqueuedAt, &synced,
		&req.SyncedAt, &req.Attempts, &req.LastError, &req.ClaimedUntil)
	if err != nil {
		return nil, err
	}
	req.Payload = json.RawMessage(payload)
	req.Synced = synced == 1
	return &req, nil
}

func scanRequestRows(rows *sql.Rows) (*models.QueuedRequest, error) {
	var req models.QueuedRequest
	var payload string
	var synced int
	err := rows.Scan(&req.Seq, &req.ID, &payload, &req.EnqueuedAt, &synced,
		&req.SyncedAt, &req.Attempts, &req.LastError, &req.ClaimedUntil)
	if err != nil {
		return nil, err
	}
	req.Payload = json.RawMessage(payload)
	req.Synced = synced == 1
	return &req, nil
}

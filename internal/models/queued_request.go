// Package models provides data model definitions for the TyreRescue agent.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	if value == nil {
		*u = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// QueuedRequest represents one emergency submission awaiting delivery.
// Rows are append-only until the synced flag flips; the payload is the
// original form data and is never rewritten.
type QueuedRequest struct {
	ID           UUID            `db:"id" json:"id"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	EnqueuedAt   int64           `db:"enqueued_at" json:"enqueued_at"` // ms since epoch
	Synced       bool            `db:"synced" json:"synced"`
	SyncedAt     int64           `db:"synced_at" json:"synced_at,omitempty"` // ms, 0 until synced
	Attempts     int             `db:"attempts" json:"attempts"`
	LastError    string          `db:"last_error" json:"last_error,omitempty"`
	ClaimedUntil int64           `db:"claimed_until" json:"claimed_until,omitempty"` // ms lease expiry, 0 = unclaimed
	Seq          int64           `db:"seq" json:"-"`                                 // FIFO order key
}

// TableName returns the table name for QueuedRequest.
func (QueuedRequest) TableName() string {
	return "request_queue"
}

// EnqueuedTime returns EnqueuedAt as time.Time.
func (r *QueuedRequest) EnqueuedTime() time.Time {
	return time.UnixMilli(r.EnqueuedAt)
}

// Claimed reports whether the entry holds an unexpired lease at now.
func (r *QueuedRequest) Claimed(now time.Time) bool {
	return r.ClaimedUntil > now.UnixMilli()
}

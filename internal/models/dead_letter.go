// Package models provides data model definitions for the TyreRescue agent.
package models

import "encoding/json"

// DeadLetter holds a request that exceeded the configured attempt budget.
// Entries land here only through the explicit dead-letter policy; the agent
// never discards an undelivered submission outright.
type DeadLetter struct {
	ID         UUID            `db:"id" json:"id"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	EnqueuedAt int64           `db:"enqueued_at" json:"enqueued_at"`
	Attempts   int             `db:"attempts" json:"attempts"`
	MovedAt    int64           `db:"moved_at" json:"moved_at"`
	Reason     string          `db:"reason" json:"reason"`
}

// TableName returns the table name for DeadLetter.
func (DeadLetter) TableName() string {
	return "dead_letters"
}

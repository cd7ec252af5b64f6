// Package models provides data model definitions for the edge node store.
package models

import "encoding/json"

// QueuedOperation represents a locally-committed mutation waiting to be
// delivered to the control plane. Rows are removed only after the upload is
// confirmed applied upstream; attempts only ever increase.
type QueuedOperation struct {
	ID            string          `db:"id" json:"id"`
	EntityType    string          `db:"entity_type" json:"entity_type"`
	EntityID      string          `db:"entity_id" json:"entity_id"`
	Action        string          `db:"action" json:"action"` // create, update, delete
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Priority      int             `db:"priority" json:"priority"`
	Attempts      int             `db:"attempts" json:"attempts"`
	MaxAttempts   int             `db:"max_attempts" json:"max_attempts"`
	LastAttemptAt int64           `db:"last_attempt_at" json:"last_attempt_at,omitempty"` // 0 = never attempted
	NextAttemptAt int64           `db:"next_attempt_at" json:"next_attempt_at,omitempty"` // 0 = eligible now
	ErrorMessage  string          `db:"error_message" json:"error_message,omitempty"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
}

// TableName returns the table name for QueuedOperation.
func (QueuedOperation) TableName() string {
	return "sync_queue"
}

// Exhausted reports whether the row has used up its delivery attempts and is
// permanently excluded from dequeue.
func (op *QueuedOperation) Exhausted() bool {
	return op.Attempts >= op.MaxAttempts
}

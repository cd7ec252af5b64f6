// Package syncqueue manages the durable outbound queue of locally-originated
// mutations waiting for the control plane to become reachable.
package syncqueue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harborpos/edgenode/internal/logging"
	"github.com/harborpos/edgenode/internal/models"
)

// Manager provides queue operations over the sync_queue table. Delivery is
// at-least-once: a crash between a confirmed upload and Remove re-delivers
// the row, so the control plane API must be idempotent per logical mutation.
type Manager struct {
	db          *sql.DB
	maxAttempts int
	backoffUnit time.Duration

	now func() int64 // test hook
}

// NewManager creates a queue manager. backoffUnit scales the linear retry
// delay: after N attempts the next try is N*backoffUnit away. The linear
// policy is intentional; deployment cooldowns use exponential backoff, the
// sync queue does not.
func NewManager(db *sql.DB, maxAttempts int, backoffUnit time.Duration) *Manager {
	return &Manager{
		db:          db,
		maxAttempts: maxAttempts,
		backoffUnit: backoffUnit,
		now:         func() int64 { return time.Now().Unix() },
	}
}

// Enqueue appends a new operation with attempts=0, eligible immediately.
// No dedup is performed; callers must not double-enqueue the same mutation.
func (m *Manager) Enqueue(entityType, entityID, action string, payload json.RawMessage, priority int) (*models.QueuedOperation, error) {
	now := m.now()

	op := &models.QueuedOperation{
		ID:            uuid.New().String(),
		EntityType:    entityType,
		EntityID:      entityID,
		Action:        action,
		Payload:       payload,
		Priority:      priority,
		Attempts:      0,
		MaxAttempts:   m.maxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
	}

	query := `
	INSERT INTO sync_queue (id, entity_type, entity_id, action, payload, priority,
		attempts, max_attempts, last_attempt_at, next_attempt_at, error_message, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, NULL, ?)
	`
	_, err := m.db.Exec(query, op.ID, op.EntityType, op.EntityID, op.Action, []byte(op.Payload),
		op.Priority, op.Attempts, op.MaxAttempts, op.NextAttemptAt, op.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue operation: %w", err)
	}

	logging.Debug("Enqueued sync operation", map[string]interface{}{
		"id":          op.ID,
		"entity_type": entityType,
		"action":      action,
		"priority":    priority,
	})

	return op, nil
}

// DequeuePending returns up to limit eligible rows: attempts below the cap
// and next_attempt_at unset or due, ordered by priority desc then creation
// time asc. Read-only; rows are not claimed.
func (m *Manager) DequeuePending(limit int) ([]*models.QueuedOperation, error) {
	query := `
	SELECT id, entity_type, entity_id, action, payload, priority, attempts,
		max_attempts, last_attempt_at, next_attempt_at, error_message, created_at
	FROM sync_queue
	WHERE attempts < max_attempts
	  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
	ORDER BY priority DESC, created_at ASC
	LIMIT ?
	`
	rows, err := m.db.Query(query, m.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}
	defer rows.Close()

	var ops []*models.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// MarkAttempt records a failed delivery attempt: attempts is bumped, the
// error is stored, and the row becomes eligible again after attempts *
// backoffUnit (linear).
func (m *Manager) MarkAttempt(id string, attemptErr error) error {
	now := m.now()

	var attempts int
	if err := m.db.QueryRow("SELECT attempts FROM sync_queue WHERE id = ?", id).Scan(&attempts); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("operation %s not found", id)
		}
		return fmt.Errorf("failed to read operation %s: %w", id, err)
	}

	attempts++
	nextAttemptAt := now + int64(time.Duration(attempts)*m.backoffUnit/time.Second)

	errMsg := ""
	if attemptErr != nil {
		errMsg = attemptErr.Error()
	}

	_, err := m.db.Exec(`
	UPDATE sync_queue
	SET attempts = ?, last_attempt_at = ?, next_attempt_at = ?, error_message = ?
	WHERE id = ?`,
		attempts, now, nextAttemptAt, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark attempt on %s: %w", id, err)
	}

	if attempts >= m.maxAttempts {
		logging.Warn("Sync operation exhausted its attempts", map[string]interface{}{
			"id":       id,
			"attempts": attempts,
		})
	}

	return nil
}

// Remove deletes a row after the upload is confirmed applied upstream.
func (m *Manager) Remove(id string) error {
	res, err := m.db.Exec("DELETE FROM sync_queue WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to remove operation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operation %s not found", id)
	}
	return nil
}

// StuckCount returns the number of rows permanently excluded from dequeue
// because they used up their attempts. These are never deleted automatically
// and require external inspection.
func (m *Manager) StuckCount() (int, error) {
	var count int
	err := m.db.QueryRow("SELECT COUNT(*) FROM sync_queue WHERE attempts >= max_attempts").Scan(&count)
	return count, err
}

// PendingCount returns the number of rows still eligible for delivery.
func (m *Manager) PendingCount() (int, error) {
	var count int
	err := m.db.QueryRow(
		"SELECT COUNT(*) FROM sync_queue WHERE attempts < max_attempts AND (next_attempt_at IS NULL OR next_attempt_at <= ?)",
		m.now()).Scan(&count)
	return count, err
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(s scanner) (*models.QueuedOperation, error) {
	var op models.QueuedOperation
	var payload []byte
	var lastAttemptAt, nextAttemptAt sql.NullInt64
	var errorMessage sql.NullString

	err := s.Scan(&op.ID, &op.EntityType, &op.EntityID, &op.Action, &payload,
		&op.Priority, &op.Attempts, &op.MaxAttempts, &lastAttemptAt, &nextAttemptAt,
		&errorMessage, &op.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}

	op.Payload = json.RawMessage(payload)
	if lastAttemptAt.Valid {
		op.LastAttemptAt = lastAttemptAt.Int64
	}
	if nextAttemptAt.Valid {
		op.NextAttemptAt = nextAttemptAt.Int64
	}
	if errorMessage.Valid {
		op.ErrorMessage = errorMessage.String
	}
	return &op, nil
}

// Package checklock grants short-lived advisory exclusive access to a shared
// order record so many terminals can edit one check without clobbering it.
package checklock

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/harborpos/edgenode/internal/logging"
	"github.com/harborpos/edgenode/internal/models"
)

// DefaultDuration is the lease length used when the caller passes zero.
const DefaultDuration = 5 * time.Minute

// Manager provides advisory check locks over the check_locks table. Locks
// are cooperative: they only protect against clients that check them. There
// is no automatic renewal; a holder extends its lease by calling Acquire
// again, and an edit session that outlives its lease silently loses
// exclusivity. Expired rows are purged lazily on every Acquire, which is
// safe only while a single edge process owns the store.
type Manager struct {
	db *sql.DB

	now func() int64 // test hook
}

// NewManager creates a lock manager.
func NewManager(db *sql.DB) *Manager {
	return &Manager{
		db:  db,
		now: func() int64 { return time.Now().Unix() },
	}
}

// Acquire attempts to take or renew the lock on a check. Returns false when
// a non-expired lock is held by a different holder.
func (m *Manager) Acquire(checkID, holderID, employeeID, lockType string, duration time.Duration) (bool, error) {
	if duration <= 0 {
		duration = DefaultDuration
	}
	now := m.now()

	// Lazy eviction: purge every expired lock before deciding.
	if _, err := m.db.Exec("DELETE FROM check_locks WHERE expires_at < ?", now); err != nil {
		return false, fmt.Errorf("failed to purge expired locks: %w", err)
	}

	var holder string
	err := m.db.QueryRow("SELECT holder_id FROM check_locks WHERE check_id = ?", checkID).Scan(&holder)
	switch {
	case err == sql.ErrNoRows:
		// free
	case err != nil:
		return false, fmt.Errorf("failed to read lock for check %s: %w", checkID, err)
	case holder != holderID:
		logging.Debug("Check lock contention", map[string]interface{}{
			"check_id":  checkID,
			"holder_id": holderID,
			"held_by":   holder,
		})
		return false, nil
	}

	expiresAt := now + int64(duration/time.Second)
	_, err = m.db.Exec(`
	INSERT INTO check_locks (check_id, holder_id, employee_id, lock_type, acquired_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(check_id) DO UPDATE SET
		holder_id = excluded.holder_id,
		employee_id = excluded.employee_id,
		lock_type = excluded.lock_type,
		acquired_at = excluded.acquired_at,
		expires_at = excluded.expires_at`,
		checkID, holderID, employeeID, lockType, now, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to upsert lock for check %s: %w", checkID, err)
	}

	return true, nil
}

// Release frees a lock, but only when the caller actually holds it.
func (m *Manager) Release(checkID, holderID string) error {
	_, err := m.db.Exec("DELETE FROM check_locks WHERE check_id = ? AND holder_id = ?", checkID, holderID)
	if err != nil {
		return fmt.Errorf("failed to release lock for check %s: %w", checkID, err)
	}
	return nil
}

// ReleaseAll frees every lock owned by a terminal. Called on disconnect or
// crash recovery so abandoned locks do not block other terminals.
func (m *Manager) ReleaseAll(holderID string) (int, error) {
	res, err := m.db.Exec("DELETE FROM check_locks WHERE holder_id = ?", holderID)
	if err != nil {
		return 0, fmt.Errorf("failed to release locks for holder %s: %w", holderID, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Info("Released all locks for terminal", map[string]interface{}{
			"holder_id": holderID,
			"count":     n,
		})
	}
	return int(n), nil
}

// Get returns the non-expired lock on a check, or nil when the check is free.
func (m *Manager) Get(checkID string) (*models.CheckLock, error) {
	var lock models.CheckLock
	err := m.db.QueryRow(`
	SELECT check_id, holder_id, employee_id, lock_type, acquired_at, expires_at
	FROM check_locks WHERE check_id = ? AND expires_at >= ?`,
		checkID, m.now()).Scan(
		&lock.CheckID, &lock.HolderID, &lock.EmployeeID, &lock.LockType,
		&lock.AcquiredAt, &lock.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock for check %s: %w", checkID, err)
	}
	return &lock, nil
}

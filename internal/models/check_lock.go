package models

// CheckLock represents an advisory exclusive hold on a shared order record.
// At most one non-expired row exists per check ID. Locks only protect
// against clients that check them; nothing stops an uncooperative writer.
type CheckLock struct {
	CheckID    string `db:"check_id" json:"check_id"`
	HolderID   string `db:"holder_id" json:"holder_id"`
	EmployeeID string `db:"employee_id" json:"employee_id"`
	LockType   string `db:"lock_type" json:"lock_type"` // edit, payment
	AcquiredAt int64  `db:"acquired_at" json:"acquired_at"`
	ExpiresAt  int64  `db:"expires_at" json:"expires_at"`
}

// TableName returns the table name for CheckLock.
func (CheckLock) TableName() string {
	return "check_locks"
}

// ExpiredAt reports whether the lock has lapsed as of the given unix time.
func (l *CheckLock) ExpiredAt(now int64) bool {
	return l.ExpiresAt < now
}

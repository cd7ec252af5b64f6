package syncqueue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/harborpos/edgenode/internal/db"
)

func newTestManager(t *testing.T) (*Manager, *sql.DB) {
	t.Helper()

	database, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := db.NewMigrator(database.DB).Migrate(); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	return NewManager(database.DB, 3, time.Minute), database.DB
}

func TestEnqueueDefaults(t *testing.T) {
	m, _ := newTestManager(t)

	payload := json.RawMessage(`{"total": 12.50}`)
	op, err := m.Enqueue("check", "check-17", "update", payload, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if op.ID == "" {
		t.Error("Expected operation ID to be set")
	}
	if op.Attempts != 0 {
		t.Errorf("Expected 0 attempts, got %d", op.Attempts)
	}
	if op.MaxAttempts != 3 {
		t.Errorf("Expected MaxAttempts 3, got %d", op.MaxAttempts)
	}
	if op.NextAttemptAt == 0 {
		t.Error("Expected NextAttemptAt to be set to now")
	}
}

func TestDequeuePendingOrdering(t *testing.T) {
	m, _ := newTestManager(t)

	// Distinct creation times so FIFO within a priority is deterministic.
	var clock int64 = 1000
	m.now = func() int64 { clock++; return clock }

	low1, _ := m.Enqueue("check", "c1", "update", nil, 0)
	high, _ := m.Enqueue("check", "c2", "update", nil, 5)
	low2, _ := m.Enqueue("check", "c3", "update", nil, 0)

	ops, err := m.DequeuePending(10)
	if err != nil {
		t.Fatalf("DequeuePending failed: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("Expected 3 operations, got %d", len(ops))
	}

	if ops[0].ID != high.ID {
		t.Errorf("Expected highest priority first, got %s", ops[0].EntityID)
	}
	if ops[1].ID != low1.ID || ops[2].ID != low2.ID {
		t.Error("Expected FIFO order among equal priorities")
	}
}

func TestDequeuePendingHonorsLimit(t *testing.T) {
	m, _ := newTestManager(t)

	for i := 0; i < 5; i++ {
		if _, err := m.Enqueue("check", "c", "update", nil, 0); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	ops, err := m.DequeuePending(2)
	if err != nil {
		t.Fatalf("DequeuePending failed: %v", err)
	}
	if len(ops) != 2 {
		t.Errorf("Expected 2 operations, got %d", len(ops))
	}
}

func TestMarkAttemptLinearBackoff(t *testing.T) {
	m, _ := newTestManager(t)

	var clock int64 = 5000
	m.now = func() int64 { return clock }

	op, _ := m.Enqueue("check", "c1", "update", nil, 0)

	// First failure: eligible again after 1 backoff unit.
	if err := m.MarkAttempt(op.ID, errors.New("offline")); err != nil {
		t.Fatalf("MarkAttempt failed: %v", err)
	}

	ops, _ := m.DequeuePending(10)
	if len(ops) != 0 {
		t.Fatal("Expected row to be ineligible during backoff")
	}

	clock += 60
	ops, _ = m.DequeuePending(10)
	if len(ops) != 1 {
		t.Fatal("Expected row to be eligible after 1 backoff unit")
	}
	if ops[0].Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", ops[0].Attempts)
	}
	if ops[0].ErrorMessage != "offline" {
		t.Errorf("Expected stored error message, got %q", ops[0].ErrorMessage)
	}

	// Second failure: delay grows linearly to 2 units.
	if err := m.MarkAttempt(op.ID, errors.New("offline")); err != nil {
		t.Fatalf("MarkAttempt failed: %v", err)
	}

	clock += 60
	if ops, _ := m.DequeuePending(10); len(ops) != 0 {
		t.Fatal("Expected row to still be backing off after 1 unit")
	}
	clock += 60
	if ops, _ := m.DequeuePending(10); len(ops) != 1 {
		t.Fatal("Expected row to be eligible after 2 units")
	}
}

func TestExhaustedRowsExcludedButRetained(t *testing.T) {
	m, _ := newTestManager(t)

	var clock int64 = 5000
	m.now = func() int64 { return clock }

	op, _ := m.Enqueue("check", "c1", "update", nil, 0)

	for i := 0; i < 3; i++ {
		if err := m.MarkAttempt(op.ID, errors.New("offline")); err != nil {
			t.Fatalf("MarkAttempt failed: %v", err)
		}
		clock += 3600
	}

	ops, _ := m.DequeuePending(10)
	for _, got := range ops {
		if got.Attempts >= got.MaxAttempts {
			t.Error("DequeuePending returned an exhausted row")
		}
	}
	if len(ops) != 0 {
		t.Errorf("Expected no eligible rows, got %d", len(ops))
	}

	stuck, err := m.StuckCount()
	if err != nil {
		t.Fatalf("StuckCount failed: %v", err)
	}
	if stuck != 1 {
		t.Errorf("Expected 1 stuck row, got %d", stuck)
	}
}

func TestRemove(t *testing.T) {
	m, _ := newTestManager(t)

	op, _ := m.Enqueue("check", "c1", "update", nil, 0)

	if err := m.Remove(op.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if ops, _ := m.DequeuePending(10); len(ops) != 0 {
		t.Error("Expected queue to be empty after Remove")
	}

	if err := m.Remove(op.ID); err == nil {
		t.Error("Expected error removing a missing row")
	}
}

package syncqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "github.com/harborpos/edgenode/internal/errors"
	"github.com/harborpos/edgenode/internal/models"
)

// fakeSender fails the operation IDs listed in failIDs and records the rest.
type fakeSender struct {
	mu      sync.Mutex
	failIDs map[string]bool
	sent    []string
}

func (s *fakeSender) SendOperation(ctx context.Context, op *models.QueuedOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIDs[op.ID] {
		return apperrors.New(apperrors.ErrTransport, "connection refused")
	}
	s.sent = append(s.sent, op.ID)
	return nil
}

func TestDrainOnceRemovesDeliveredRows(t *testing.T) {
	m, _ := newTestManager(t)

	// Distinct creation times so FIFO order is deterministic.
	var clock int64 = 1000
	m.now = func() int64 { clock++; return clock }

	op1, err := m.Enqueue("check", "check-A", "update", []byte(`{"total":12}`), 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	op2, err := m.Enqueue("check", "check-B", "create", []byte(`{}`), 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	sender := &fakeSender{}
	u := NewUploader(m, sender, time.Hour, 50)
	u.drainOnce(context.Background())

	if len(sender.sent) != 2 {
		t.Fatalf("Expected 2 deliveries, got %d", len(sender.sent))
	}
	// FIFO within equal priority.
	if sender.sent[0] != op1.ID || sender.sent[1] != op2.ID {
		t.Errorf("Expected delivery order [%s %s], got %v", op1.ID, op2.ID, sender.sent)
	}

	pending, err := m.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if pending != 0 {
		t.Errorf("Expected empty queue after drain, got %d rows", pending)
	}
}

func TestDrainOnceBacksOffFailedRows(t *testing.T) {
	m, _ := newTestManager(t)

	var clock int64 = 1000
	m.now = func() int64 { return clock }

	bad, err := m.Enqueue("check", "check-A", "update", []byte(`{}`), 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	good, err := m.Enqueue("check", "check-B", "update", []byte(`{}`), 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	sender := &fakeSender{failIDs: map[string]bool{bad.ID: true}}
	u := NewUploader(m, sender, time.Hour, 50)
	u.drainOnce(context.Background())

	// The healthy row is gone; the failed one stays with an attempt recorded.
	if len(sender.sent) != 1 || sender.sent[0] != good.ID {
		t.Errorf("Expected only %s delivered, got %v", good.ID, sender.sent)
	}

	ops, err := m.DequeuePending(50)
	if err != nil {
		t.Fatalf("DequeuePending failed: %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("Expected failed row to be ineligible until its backoff, got %d rows", len(ops))
	}

	// One linear backoff unit later it is eligible again.
	clock += 61
	ops, err = m.DequeuePending(50)
	if err != nil {
		t.Fatalf("DequeuePending failed: %v", err)
	}
	if len(ops) != 1 || ops[0].ID != bad.ID {
		t.Errorf("Expected the failed row back after backoff, got %v", ops)
	}
	if ops[0].Attempts != 1 {
		t.Errorf("Expected 1 recorded attempt, got %d", ops[0].Attempts)
	}
	if ops[0].ErrorMessage == "" {
		t.Error("Expected the delivery error to be recorded on the row")
	}
}

func TestTriggerDrainSkipsConcurrentPass(t *testing.T) {
	m, _ := newTestManager(t)
	u := NewUploader(m, &fakeSender{}, time.Hour, 50)

	u.mu.Lock()
	u.inProgress = true
	u.mu.Unlock()

	if u.TriggerDrain(context.Background()) {
		t.Error("Expected TriggerDrain to refuse while a pass is in progress")
	}

	u.mu.Lock()
	u.inProgress = false
	u.mu.Unlock()

	if !u.TriggerDrain(context.Background()) {
		t.Error("Expected TriggerDrain to start a pass when idle")
	}
}

func TestSetOnlineStatus(t *testing.T) {
	m, _ := newTestManager(t)
	u := NewUploader(m, &fakeSender{}, time.Hour, 50)

	if !u.IsOnline() {
		t.Error("Expected uploader to assume online at start")
	}

	u.SetOnlineStatus(false)
	if u.IsOnline() {
		t.Error("Expected offline after SetOnlineStatus(false)")
	}

	u.SetOnlineStatus(true)
	if !u.IsOnline() {
		t.Error("Expected online after SetOnlineStatus(true)")
	}
}

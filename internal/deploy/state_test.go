package deploy

import (
	"testing"
	"time"
)

func TestCooldownDoublesUpToCap(t *testing.T) {
	s := newSchedulerState(60*time.Second, 600*time.Second)

	want := []time.Duration{
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
		600 * time.Second, // capped
	}

	for i, expected := range want {
		got := s.markFailed("T1")
		if got != expected {
			t.Errorf("failure %d: expected cooldown %v, got %v", i+1, expected, got)
		}
	}
}

func TestShouldSkipDuringCooldown(t *testing.T) {
	s := newSchedulerState(60*time.Second, 600*time.Second)

	now := time.Unix(10000, 0)
	s.now = func() time.Time { return now }

	s.markFailed("T1")

	if !s.shouldSkip("T1") {
		t.Error("Expected target to be skipped inside its cooldown window")
	}

	now = now.Add(61 * time.Second)
	if s.shouldSkip("T1") {
		t.Error("Expected target to be eligible once the cooldown elapsed")
	}
}

func TestShouldSkipProcessingAndCompleted(t *testing.T) {
	s := newSchedulerState(60*time.Second, 600*time.Second)

	s.markProcessing("T1")
	if !s.shouldSkip("T1") {
		t.Error("Expected in-flight target to be skipped")
	}

	s.markCompleted("T1")
	if !s.shouldSkip("T1") {
		t.Error("Expected completed target to be skipped for the rest of the run")
	}

	if s.shouldSkip("T2") {
		t.Error("Expected unknown target to pass the gate")
	}
}

func TestSuccessClearsFailureHistory(t *testing.T) {
	s := newSchedulerState(60*time.Second, 600*time.Second)

	s.markFailed("T1")
	s.markFailed("T1")
	s.markCompleted("T1")

	// A fresh failure starts the cooldown ladder over.
	if got := s.markFailed("T1"); got != 60*time.Second {
		t.Errorf("Expected cooldown reset to initial delay, got %v", got)
	}
}

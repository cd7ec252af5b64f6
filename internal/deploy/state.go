package deploy

import (
	"sync"
	"time"
)

// schedulerState tracks per-target progress for the lifetime of the process:
// which targets are mid-flight, which completed this run, and which are in a
// failure cooldown. It resets on restart, so a target completed before a
// crash can be legitimately reprocessed afterwards; installs are expected to
// be idempotent.
type schedulerState struct {
	mu            sync.Mutex
	processing    map[string]struct{}
	completed     map[string]struct{}
	cooldownUntil map[string]time.Time
	lastDelay     map[string]time.Duration

	initialDelay time.Duration
	maxDelay     time.Duration

	now func() time.Time // test hook
}

func newSchedulerState(initialDelay, maxDelay time.Duration) *schedulerState {
	return &schedulerState{
		processing:    make(map[string]struct{}),
		completed:     make(map[string]struct{}),
		cooldownUntil: make(map[string]time.Time),
		lastDelay:     make(map[string]time.Duration),
		initialDelay:  initialDelay,
		maxDelay:      maxDelay,
		now:           time.Now,
	}
}

// shouldSkip applies the dedup gate: a target is skipped while it is being
// processed, after it completed this run, or inside an active cooldown.
func (s *schedulerState) shouldSkip(targetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processing[targetID]; ok {
		return true
	}
	if _, ok := s.completed[targetID]; ok {
		return true
	}
	if until, ok := s.cooldownUntil[targetID]; ok {
		if s.now().Before(until) {
			return true
		}
		delete(s.cooldownUntil, targetID)
	}
	return false
}

func (s *schedulerState) markProcessing(targetID string) {
	s.mu.Lock()
	s.processing[targetID] = struct{}{}
	s.mu.Unlock()
}

// markCompleted records success and clears any failure history.
func (s *schedulerState) markCompleted(targetID string) {
	s.mu.Lock()
	delete(s.processing, targetID)
	s.completed[targetID] = struct{}{}
	delete(s.cooldownUntil, targetID)
	delete(s.lastDelay, targetID)
	s.mu.Unlock()
}

// markFailed records a failure and returns the cooldown applied: the
// previous delay doubled, floored at the initial delay and capped at the
// maximum.
func (s *schedulerState) markFailed(targetID string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.processing, targetID)

	delay := s.lastDelay[targetID] * 2
	if delay < s.initialDelay {
		delay = s.initialDelay
	}
	if delay > s.maxDelay {
		delay = s.maxDelay
	}

	s.lastDelay[targetID] = delay
	s.cooldownUntil[targetID] = s.now().Add(delay)
	return delay
}

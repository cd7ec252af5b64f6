// Package telemetry provides in-process operational counters. Nothing here
// leaves the machine; the counters back the local status surface only.
package telemetry

import "sync"

// Counter names the events tracked by the edge node.
type Counter string

const (
	CounterEnqueued        Counter = "sync_enqueued"
	CounterUploaded        Counter = "sync_uploaded"
	CounterUploadFailed    Counter = "sync_upload_failed"
	CounterInstallComplete Counter = "deploy_completed"
	CounterInstallFailed   Counter = "deploy_failed"
	CounterPushEvents      Counter = "push_events"
)

var (
	mu       sync.RWMutex
	counters = make(map[Counter]int64)
)

// Incr increments a counter by one.
func Incr(name Counter) {
	Add(name, 1)
}

// Add increments a counter by n.
func Add(name Counter, n int64) {
	mu.Lock()
	counters[name] += n
	mu.Unlock()
}

// Value returns the current value of a counter.
func Value(name Counter) int64 {
	mu.RLock()
	defer mu.RUnlock()
	return counters[name]
}

// Snapshot returns a copy of all counters.
func Snapshot() map[Counter]int64 {
	mu.RLock()
	defer mu.RUnlock()

	out := make(map[Counter]int64, len(counters))
	for k, v := range counters {
		out[k] = v
	}
	return out
}

// Reset clears all counters. Used by tests.
func Reset() {
	mu.Lock()
	counters = make(map[Counter]int64)
	mu.Unlock()
}

// Package events provides the deployment status stream consumed by local
// observers such as the terminal UI and log sinks.
package events

import (
	"sync"
	"time"

	"github.com/harborpos/edgenode/internal/logging"
)

// Status is one phase of a deployment's lifecycle.
type Status string

const (
	StatusStarting      Status = "starting"
	StatusDownloading   Status = "downloading"
	StatusInstalling    Status = "installing"
	StatusRunningScript Status = "running_script"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// StatusEvent is broadcast to every registered observer as a deployment
// moves through its pipeline.
type StatusEvent struct {
	Type           string  `json:"type"`
	Status         Status  `json:"status"`
	PackageName    string  `json:"package_name"`
	PackageVersion string  `json:"package_version"`
	Message        string  `json:"message"`
	Progress       float64 `json:"progress,omitempty"`
	LogOutput      string  `json:"log_output,omitempty"`
	Timestamp      int64   `json:"timestamp"`
}

// Observer receives status events. Observers run synchronously on the
// broadcasting goroutine; slow observers slow the pipeline down.
type Observer func(StatusEvent)

// Broadcaster fans status events out to registered observers in registration
// order. One observer panicking must not prevent delivery to the others.
type Broadcaster struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe registers an observer. Observers cannot be removed; they live as
// long as the process.
func (b *Broadcaster) Subscribe(obs Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, obs)
}

// Publish delivers the event to every observer in registration order.
func (b *Broadcaster) Publish(ev StatusEvent) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}

	b.mu.RLock()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()

	for _, obs := range observers {
		b.deliver(obs, ev)
	}
}

// deliver isolates a single observer so its panic is contained.
func (b *Broadcaster) deliver(obs Observer, ev StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Status observer panicked", map[string]interface{}{
				"panic":  r,
				"status": string(ev.Status),
			})
		}
	}()
	obs(ev)
}

package syncqueue

import (
	"context"
	"sync"
	"time"

	"github.com/harborpos/edgenode/internal/errors"
	"github.com/harborpos/edgenode/internal/logging"
	"github.com/harborpos/edgenode/internal/models"
	"github.com/harborpos/edgenode/internal/telemetry"
)

// Sender delivers one queued operation to the control plane. It must be
// idempotent upstream: the same operation can be re-sent after a crash.
type Sender interface {
	SendOperation(ctx context.Context, op *models.QueuedOperation) error
}

// Uploader drains the sync queue to the control plane on a fixed interval
// while the node believes it is online.
type Uploader struct {
	queue  *Manager
	sender Sender

	interval time.Duration
	batch    int

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.RWMutex
	isRunning  bool
	isOnline   bool
	inProgress bool
}

// NewUploader creates an Uploader draining up to batch rows every interval.
func NewUploader(queue *Manager, sender Sender, interval time.Duration, batch int) *Uploader {
	return &Uploader{
		queue:    queue,
		sender:   sender,
		interval: interval,
		batch:    batch,
		stopCh:   make(chan struct{}),
		isOnline: true, // assume online until the push connection says otherwise
	}
}

// Start starts the background drain loop.
func (u *Uploader) Start(ctx context.Context) {
	u.mu.Lock()
	if u.isRunning {
		u.mu.Unlock()
		return
	}
	u.isRunning = true
	u.mu.Unlock()

	u.wg.Add(1)
	go u.drainLoop(ctx)

	logging.Info("Sync queue uploader started", map[string]interface{}{
		"interval_seconds": u.interval.Seconds(),
	})
}

// Stop stops the drain loop gracefully.
func (u *Uploader) Stop() {
	u.mu.Lock()
	if !u.isRunning {
		u.mu.Unlock()
		return
	}
	u.isRunning = false
	u.mu.Unlock()

	close(u.stopCh)
	u.wg.Wait()

	logging.Info("Sync queue uploader stopped", nil)
}

// SetOnlineStatus flips the online flag. While offline no delivery attempts
// are made; rows simply accumulate.
func (u *Uploader) SetOnlineStatus(isOnline bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.isOnline != isOnline {
		logging.Info("Connectivity status changed", map[string]interface{}{
			"is_online": isOnline,
		})
	}
	u.isOnline = isOnline
}

// IsOnline returns whether the uploader currently attempts delivery.
func (u *Uploader) IsOnline() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.isOnline
}

// TriggerDrain runs one drain pass immediately. Returns false if a pass is
// already in progress.
func (u *Uploader) TriggerDrain(ctx context.Context) bool {
	u.mu.RLock()
	busy := u.inProgress
	u.mu.RUnlock()

	if busy {
		return false
	}
	go u.drainOnce(ctx)
	return true
}

func (u *Uploader) drainLoop(ctx context.Context) {
	defer u.wg.Done()

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-u.stopCh:
			return
		case <-ticker.C:
			if !u.IsOnline() {
				continue
			}
			u.drainOnce(ctx)
		}
	}
}

// drainOnce delivers one batch of eligible rows. Each row is removed only
// after its upload succeeds; failures record an attempt and back off.
func (u *Uploader) drainOnce(ctx context.Context) {
	u.mu.Lock()
	if u.inProgress {
		u.mu.Unlock()
		return
	}
	u.inProgress = true
	u.mu.Unlock()

	defer func() {
		u.mu.Lock()
		u.inProgress = false
		u.mu.Unlock()
	}()

	ops, err := u.queue.DequeuePending(u.batch)
	if err != nil {
		logging.ErrorWithCode("Failed to read pending sync operations",
			string(errors.ErrDatabase), err, nil)
		return
	}
	if len(ops) == 0 {
		return
	}

	delivered := 0
	for _, op := range ops {
		select {
		case <-ctx.Done():
			return
		case <-u.stopCh:
			return
		default:
		}

		if err := u.sender.SendOperation(ctx, op); err != nil {
			telemetry.Incr(telemetry.CounterUploadFailed)
			if markErr := u.queue.MarkAttempt(op.ID, err); markErr != nil {
				logging.Error("Failed to record delivery attempt", markErr,
					map[string]interface{}{"id": op.ID})
			}
			logging.ErrorWithCode("Sync delivery failed", string(errors.ErrTransport), err,
				map[string]interface{}{
					"id":       op.ID,
					"attempts": op.Attempts + 1,
				})
			continue
		}

		if err := u.queue.Remove(op.ID); err != nil {
			// The upload succeeded; the row will be re-sent next pass and
			// applied idempotently upstream.
			logging.Error("Failed to remove delivered operation", err,
				map[string]interface{}{"id": op.ID})
			continue
		}
		telemetry.Incr(telemetry.CounterUploaded)
		delivered++
	}

	logging.Info("Sync queue drain completed", map[string]interface{}{
		"eligible":  len(ops),
		"delivered": delivered,
	})
}

// Package deploy discovers deployment tasks pushed from the control plane
// and drives each one through download, verification, install, and manifest
// recording, strictly one at a time.
package deploy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harborpos/edgenode/internal/errors"
	"github.com/harborpos/edgenode/internal/events"
	"github.com/harborpos/edgenode/internal/logging"
	"github.com/harborpos/edgenode/internal/models"
	"github.com/harborpos/edgenode/internal/telemetry"
)

// ControlPlane is the slice of the cloud transport the orchestrator needs.
type ControlPlane interface {
	PendingDeployments(ctx context.Context) ([]models.DeploymentTask, error)
	PostDeploymentStatus(ctx context.Context, targetID, status, message string) error
}

// Config holds orchestrator tuning.
type Config struct {
	PollInterval    time.Duration
	CooldownInitial time.Duration
	CooldownMax     time.Duration
}

// DefaultConfig returns the standard intervals: a 5-minute discovery poll
// and a 60s..600s exponential failure cooldown.
func DefaultConfig() Config {
	return Config{
		PollInterval:    5 * time.Minute,
		CooldownInitial: time.Minute,
		CooldownMax:     10 * time.Minute,
	}
}

// Orchestrator serializes deployment tasks into a single-worker queue.
// Discovery (push or poll) may deliver the same target many times; the dedup
// gate collapses re-discovery to a no-op. Exactly one task is processed at a
// time so two installers never race on the same package directory.
type Orchestrator struct {
	installer   *Installer
	control     ControlPlane
	broadcaster *events.Broadcaster
	state       *schedulerState

	pollInterval time.Duration

	mu            sync.Mutex
	pending       []models.DeploymentTask
	queued        map[string]struct{}
	workerRunning bool
	ctx           context.Context

	stopCh    chan struct{}
	wg        sync.WaitGroup
	isRunning bool
}

// New creates an Orchestrator.
func New(installer *Installer, control ControlPlane, broadcaster *events.Broadcaster, cfg Config) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.CooldownInitial <= 0 {
		cfg.CooldownInitial = DefaultConfig().CooldownInitial
	}
	if cfg.CooldownMax <= 0 {
		cfg.CooldownMax = DefaultConfig().CooldownMax
	}
	return &Orchestrator{
		installer:    installer,
		control:      control,
		broadcaster:  broadcaster,
		state:        newSchedulerState(cfg.CooldownInitial, cfg.CooldownMax),
		pollInterval: cfg.PollInterval,
		queued:       make(map[string]struct{}),
		ctx:          context.Background(),
		stopCh:       make(chan struct{}),
	}
}

// Start begins the periodic discovery poll.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.isRunning {
		o.mu.Unlock()
		return
	}
	o.isRunning = true
	o.ctx = ctx
	o.mu.Unlock()

	o.wg.Add(1)
	go o.pollLoop(ctx)

	logging.Info("Deployment orchestrator started", map[string]interface{}{
		"poll_interval_seconds": o.pollInterval.Seconds(),
	})
}

// Stop halts discovery and waits for the worker to finish its current task.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.isRunning {
		o.mu.Unlock()
		return
	}
	o.isRunning = false
	o.mu.Unlock()

	close(o.stopCh)
	o.wg.Wait()

	logging.Info("Deployment orchestrator stopped", nil)
}

// Submit offers a discovered task to the queue. Targets already processing,
// completed this run, cooling down after a failure, or already queued are
// skipped. The worker is started lazily on the empty-to-non-empty
// transition and exits once drained.
func (o *Orchestrator) Submit(task models.DeploymentTask) {
	if task.TargetID == "" {
		logging.Warn("Discarding deployment task without target", map[string]interface{}{
			"package": task.PackageName,
		})
		return
	}

	if task.ScheduledAt > 0 && task.ScheduledAt > time.Now().Unix() {
		// Not due yet; a later poll will rediscover it.
		return
	}

	if o.state.shouldSkip(task.TargetID) {
		return
	}

	o.mu.Lock()
	if _, ok := o.queued[task.TargetID]; ok {
		o.mu.Unlock()
		return
	}
	o.pending = append(o.pending, task)
	o.queued[task.TargetID] = struct{}{}

	startWorker := !o.workerRunning
	if startWorker {
		o.workerRunning = true
	}
	ctx := o.ctx
	o.mu.Unlock()

	logging.Info("Deployment task queued", map[string]interface{}{
		"target_id": task.TargetID,
		"package":   task.PackageName,
		"version":   task.VersionNumber,
		"action":    string(task.Action),
	})

	if startWorker {
		o.wg.Add(1)
		go o.worker(ctx)
	}
}

// CheckNow polls the control plane immediately, outside the regular
// interval.
func (o *Orchestrator) CheckNow(ctx context.Context) {
	o.poll(ctx)
}

func (o *Orchestrator) pollLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// One poll right away so a restart picks up outstanding work.
	o.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

func (o *Orchestrator) poll(ctx context.Context) {
	tasks, err := o.control.PendingDeployments(ctx)
	if err != nil {
		logging.ErrorWithCode("Deployment poll failed", string(errors.ErrTransport), err, nil)
		return
	}
	for _, task := range tasks {
		o.Submit(task)
	}
}

// worker drains the pending queue FIFO, then exits.
func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			o.stopWorker()
			return
		case <-o.stopCh:
			o.stopWorker()
			return
		default:
		}

		o.mu.Lock()
		if len(o.pending) == 0 {
			o.workerRunning = false
			o.mu.Unlock()
			return
		}
		task := o.pending[0]
		o.pending = o.pending[1:]
		delete(o.queued, task.TargetID)
		o.mu.Unlock()

		o.state.markProcessing(task.TargetID)
		o.process(ctx, task)
	}
}

func (o *Orchestrator) stopWorker() {
	o.mu.Lock()
	o.workerRunning = false
	o.mu.Unlock()
}

// process runs one task and converts any failure, panic included, into a
// terminal failed broadcast plus a cooldown. Nothing may crash the
// orchestrator.
func (o *Orchestrator) process(ctx context.Context, task models.DeploymentTask) {
	var taskLog string
	var err error

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New(errors.ErrDeployFailed, fmt.Sprintf("deployment panicked: %v", r))
			}
		}()

		o.reportStatus(ctx, task.TargetID, "processing",
			fmt.Sprintf("Processing %s %s", task.PackageName, task.VersionNumber))

		if task.Action.IsRemoval() {
			err = o.installer.Uninstall(ctx, task)
		} else {
			taskLog, err = o.installer.Install(ctx, task)
		}
	}()

	if err != nil {
		delay := o.state.markFailed(task.TargetID)
		telemetry.Incr(telemetry.CounterInstallFailed)

		logging.ErrorWithCode("Deployment failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{
				"target_id":        task.TargetID,
				"package":          task.PackageName,
				"cooldown_seconds": delay.Seconds(),
			})

		o.broadcaster.Publish(events.StatusEvent{
			Type:           "deployment",
			Status:         events.StatusFailed,
			PackageName:    task.PackageName,
			PackageVersion: task.VersionNumber,
			Message:        err.Error(),
			LogOutput:      taskLog,
		})
		o.reportStatus(ctx, task.TargetID, "failed", err.Error())
		return
	}

	o.state.markCompleted(task.TargetID)
	telemetry.Incr(telemetry.CounterInstallComplete)
	o.reportStatus(ctx, task.TargetID, "completed",
		fmt.Sprintf("%s %s %s", task.PackageName, task.VersionNumber, task.Action))

	logging.Info("Deployment completed", map[string]interface{}{
		"target_id": task.TargetID,
		"package":   task.PackageName,
		"version":   task.VersionNumber,
	})
}

// reportStatus posts the per-target status callback; delivery is
// best-effort and never fails the task.
func (o *Orchestrator) reportStatus(ctx context.Context, targetID, status, message string) {
	if err := o.control.PostDeploymentStatus(ctx, targetID, status, message); err != nil {
		logging.Warn("Failed to report deployment status", map[string]interface{}{
			"target_id": targetID,
			"status":    status,
			"error":     err.Error(),
		})
	}
}

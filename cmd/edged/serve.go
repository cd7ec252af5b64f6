package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harborpos/edgenode/internal/checklock"
	"github.com/harborpos/edgenode/internal/cloud"
	"github.com/harborpos/edgenode/internal/config"
	"github.com/harborpos/edgenode/internal/db"
	"github.com/harborpos/edgenode/internal/deploy"
	"github.com/harborpos/edgenode/internal/events"
	"github.com/harborpos/edgenode/internal/logging"
	"github.com/harborpos/edgenode/internal/models"
	"github.com/harborpos/edgenode/internal/syncqueue"
	"github.com/harborpos/edgenode/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the edge node daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

// pushHandler routes control-plane push events into the orchestrator and
// keeps the uploader's online flag in step with the push connection.
type pushHandler struct {
	orch     *deploy.Orchestrator
	uploader *syncqueue.Uploader
	ctx      context.Context
}

func (h *pushHandler) OnDeploymentAvailable(task models.DeploymentTask) {
	h.orch.Submit(task)
}

func (h *pushHandler) OnCheckNow() {
	h.orch.CheckNow(h.ctx)
}

func (h *pushHandler) OnConnectionChange(connected bool) {
	h.uploader.SetOnlineStatus(connected)
	if connected {
		// Catch up as soon as the control plane is reachable again.
		h.uploader.TriggerDrain(h.ctx)
	}
}

func runServe() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logging.Init(logging.Options{
		MinLevel:   logging.LogLevel(cfg.Log.Level),
		HostID:     cfg.HostID,
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.NewMigrator(database.DB).Migrate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := cloud.NewClient(cfg.Cloud.BaseURL, cfg.HostID, cfg.Cloud.Timeout)
	broadcaster := events.NewBroadcaster()

	queue := syncqueue.NewManager(database.DB, cfg.Queue.MaxAttempts, cfg.Queue.BackoffUnit)
	locks := checklock.NewManager(database.DB)

	uploader := syncqueue.NewUploader(queue, client, cfg.Queue.DrainInterval, cfg.Queue.DrainBatch)

	installer := deploy.NewInstaller(cfg.PackagesDir, cfg.HostID, client, broadcaster, deploy.NewHostRunner())
	orch := deploy.New(installer, client, broadcaster, deploy.Config{
		PollInterval:    cfg.Deploy.PollInterval,
		CooldownInitial: cfg.Deploy.CooldownInitial,
		CooldownMax:     cfg.Deploy.CooldownMax,
	})

	// Every status event also lands in the structured log.
	broadcaster.Subscribe(func(ev events.StatusEvent) {
		logging.Debug("Deployment status", map[string]interface{}{
			"status":  string(ev.Status),
			"package": ev.PackageName,
			"version": ev.PackageVersion,
			"message": ev.Message,
		})
	})

	var hub *WSHub
	if cfg.ObserverAddr != "" {
		hub = NewWSHub()
		broadcaster.Subscribe(hub.BroadcastStatus)
		go hub.Serve(cfg.ObserverAddr, locks)
	}

	uploader.Start(ctx)
	orch.Start(ctx)

	var push *cloud.PushListener
	if cfg.Cloud.PushURL != "" {
		push = cloud.NewPushListener(cfg.Cloud.PushURL, cfg.HostID, &pushHandler{
			orch:     orch,
			uploader: uploader,
			ctx:      ctx,
		})
		push.Start(ctx)
	}

	logging.Info("Edge node running", map[string]interface{}{
		"host_id":  cfg.HostID,
		"data_dir": cfg.DataDir,
		"cloud":    cfg.Cloud.BaseURL,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Info("Shutting down", nil)
	if push != nil {
		push.Stop()
	}
	orch.Stop()
	uploader.Stop()
	cancel()
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print queue and telemetry counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}

			database, err := db.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer database.Close()

			if err := db.NewMigrator(database.DB).Migrate(); err != nil {
				return err
			}

			queue := syncqueue.NewManager(database.DB, cfg.Queue.MaxAttempts, cfg.Queue.BackoffUnit)
			pending, err := queue.PendingCount()
			if err != nil {
				return err
			}
			stuck, err := queue.StuckCount()
			if err != nil {
				return err
			}

			out := map[string]interface{}{
				"host_id":       cfg.HostID,
				"queue_pending": pending,
				"queue_stuck":   stuck,
				"counters":      telemetry.Snapshot(),
			}
			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/folio-ai/folio/bus"
	"github.com/folio-ai/folio/comfy"
	"github.com/folio-ai/folio/config"
	"github.com/folio-ai/folio/db"
	"github.com/folio-ai/folio/gen"
	"github.com/folio-ai/folio/logger"
	"github.com/folio-ai/folio/media"
	"github.com/folio-ai/folio/queue"
	"github.com/folio-ai/folio/scheduler"
	"github.com/folio-ai/folio/server"
	"github.com/folio-ai/folio/storage"
	"github.com/folio-ai/folio/workflow"
)

// ServeCmd starts the API server and the scheduler loop
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Folio API server and scheduler",
	Long: `Start the Folio API server and scheduler in foreground mode.

On startup the persistent queue log is replayed, so jobs that were
pending or running when the process last stopped are resumed. The
process runs until interrupted (Ctrl+C); the job in flight finishes
its current step before shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		database, err := db.Open(cfg.Database.Path, logger.Logger)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := db.Migrate(database, logger.Logger); err != nil {
			return err
		}

		files, err := storage.New(cfg.Storage.Root)
		if err != nil {
			return err
		}

		q, err := queue.Open(files.Root(), logger.Logger)
		if err != nil {
			return err
		}
		defer q.Close()

		events := bus.New(logger.Logger)
		worker := comfy.New(
			cfg.ComfyUI.BaseURL,
			time.Duration(cfg.ComfyUI.PollIntervalMS)*time.Millisecond,
			logger.Logger,
		)

		store := gen.NewStore(database)
		service := gen.NewService(store, q, events, files, workflow.Builtin, logger.Logger)

		ffmpegOK := media.FFmpegAvailable()
		if !ffmpegOK {
			logger.Warnw("ffmpeg not found on PATH, animation jobs will fail")
		}

		sched := scheduler.New(q, store, service, events, worker, files, scheduler.Config{
			IdleSleep:        time.Duration(cfg.Scheduler.IdleSleepMS) * time.Millisecond,
			MaxAttempts:      cfg.Scheduler.MaxAttempts,
			RetryDelay:       time.Duration(cfg.Scheduler.RetryDelayMS) * time.Millisecond,
			StillTimeout:     time.Duration(cfg.ComfyUI.StillTimeoutSeconds) * time.Second,
			AnimationTimeout: time.Duration(cfg.ComfyUI.AnimationTimeoutSeconds) * time.Second,
		}, logger.Logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go sched.Run(ctx)

		logger.Infow("Folio starting",
			"port", cfg.Server.Port,
			"storage_root", files.Root(),
			"comfyui_url", cfg.ComfyUI.BaseURL,
			"queue_size", q.Size(),
		)

		srv := server.New(service, q, events, worker, files, cfg.Server.AllowedOrigins, ffmpegOK, logger.Logger)
		return srv.Start(ctx, cfg.Server.Port)
	},
}

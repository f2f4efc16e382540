package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/adverant/nexus/beanscan-worker/internal/api"
	"github.com/adverant/nexus/beanscan-worker/internal/config"
	"github.com/adverant/nexus/beanscan-worker/internal/queue"
	"github.com/adverant/nexus/beanscan-worker/internal/utils"
)

const shutdownGrace = 30 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest and status API with its workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}

			lock := flock.New(cfg.LockPath())
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock %s: %w", cfg.LockPath(), err)
			}
			if !locked {
				return fmt.Errorf("another beanscan server is using %s", cfg.Paths.DataDir)
			}
			defer func() { _ = lock.Unlock() }()

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting beanscan worker",
				"bind", cfg.Server.Bind,
				"dispatch", cfg.Dispatch.Mode,
				"concurrency", cfg.Dispatch.Concurrency,
			)

			rt, err := buildRuntime(sigCtx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			dispatcher, consumer, err := buildDispatch(cfg, rt)
			if err != nil {
				return err
			}
			if consumer != nil {
				if err := consumer.Start(); err != nil {
					return err
				}
				logger.Info("✓ Queue consumer started", "queue", cfg.Dispatch.Queue)
			}

			go rt.registry.RunJanitor(sigCtx, time.Duration(cfg.Registry.SweepSeconds)*time.Second)

			deps := api.Dependencies{
				Registry:   rt.registry,
				Hub:        rt.hub,
				Intake:     newIntake(cfg),
				Dispatcher: dispatcher,
				Logger:     logger,
			}
			if rt.store != nil {
				deps.Results = rt.store
			}
			server := api.NewServer(api.Config{
				Bind:        cfg.Server.Bind,
				KeepUploads: cfg.Pipeline.KeepUploads,
			}, deps)
			if err := server.Start(sigCtx); err != nil {
				return err
			}

			<-sigCtx.Done()
			logger.Info("Shutting down gracefully...")

			server.Stop()
			if consumer != nil {
				consumer.Stop()
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := dispatcher.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("dispatcher shutdown", "error", err)
			}

			logger.Info("Worker shutdown complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "Override the listen address")
	return cmd
}

// buildDispatch returns the dispatcher for cfg.Dispatch.Mode and, in asynq
// mode with consume enabled, the consumer that runs jobs in this process
func buildDispatch(cfg *config.Config, rt *workerRuntime) (queue.Dispatcher, *queue.RedisConsumer, error) {
	switch cfg.Dispatch.Mode {
	case "local":
		return queue.NewLocalDispatcher(rt.processor, cfg.Dispatch.Concurrency, rt.logger), nil, nil
	case "asynq":
		timeout := time.Duration(cfg.Dispatch.TaskTimeoutMinutes) * time.Minute
		dispatcher, err := queue.NewAsynqDispatcher(cfg.Dispatch.RedisURL, cfg.Dispatch.Queue, timeout)
		if err != nil {
			return nil, nil, err
		}
		if !cfg.Dispatch.Consume {
			rt.logger.Warn("queue consumer disabled, jobs run on remote workers and local status will stay queued")
			return dispatcher, nil, nil
		}
		consumer, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:    cfg.Dispatch.RedisURL,
			Queue:       cfg.Dispatch.Queue,
			Concurrency: cfg.Dispatch.Concurrency,
			Handler:     rt.processor,
			Logger:      rt.logger,
		})
		if err != nil {
			_ = dispatcher.Shutdown(context.Background())
			return nil, nil, err
		}
		return dispatcher, consumer, nil
	default:
		return nil, nil, fmt.Errorf("unknown dispatch mode %q", cfg.Dispatch.Mode)
	}
}

func newIntake(cfg *config.Config) *utils.Intake {
	return utils.NewIntake(utils.IntakeConfig{
		MaxRetries:        cfg.Server.DownloadRetries,
		Timeout:           time.Duration(cfg.Server.DownloadTimeout) * time.Second,
		MaxFileSize:       int64(cfg.Server.MaxUploadMB) << 20,
		AllowedExtensions: cfg.Server.AllowedExtensions,
		Dir:               cfg.Paths.UploadDir,
	})
}

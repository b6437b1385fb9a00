// Package main provides the conductor worker: it consumes the execution queue,
// drives executions and runs the maintenance sweeps.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/conductor/pkg/cmd"
	"github.com/dukex/conductor/pkg/engine"
	"github.com/dukex/conductor/pkg/log"
	"github.com/dukex/conductor/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

func main() {
	defaults := engine.DefaultSweepSchedules()

	command := &cli.Command{
		Name:                  "conductor-worker",
		EnableShellCompletion: true,
		Usage:                 "Start a worker to drive executions",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.IntFlag{
				Name:    "executions",
				Usage:   "Executions this worker drives at once",
				Value:   engine.DefaultConcurrency,
				Sources: cli.EnvVars("WORKER_EXECUTIONS"),
			},
			&cli.StringFlag{
				Name:    "sweep-expire",
				Usage:   "Cron schedule failing waiting steps past their deadline (empty disables)",
				Value:   defaults.ExpireWaiting,
				Sources: cli.EnvVars("SWEEP_EXPIRE_WAITING"),
			},
			&cli.StringFlag{
				Name:    "sweep-cleanup",
				Usage:   "Cron schedule removing expired idempotency records",
				Value:   defaults.Cleanup,
				Sources: cli.EnvVars("SWEEP_CLEANUP"),
			},
			&cli.StringFlag{
				Name:    "sweep-replay",
				Usage:   "Cron schedule replaying dead letters flagged for auto replay",
				Value:   defaults.ReplayScheduled,
				Sources: cli.EnvVars("SWEEP_DLQ_REPLAY"),
			},
			&cli.StringFlag{
				Name:    "sweep-recover",
				Usage:   "Cron schedule recovering executions whose driver vanished",
				Value:   defaults.RecoverStalled,
				Sources: cli.EnvVars("SWEEP_RECOVER_STALLED"),
			},
			&cli.DurationFlag{
				Name:    "stale-after",
				Usage:   "Age after which a queued or running execution counts as stalled",
				Value:   defaults.StaleAfter,
				Sources: cli.EnvVars("STALE_AFTER"),
			},
			&cli.IntFlag{
				Name:    "api-port",
				Usage:   "Also serve the HTTP API in this process (0 disables it)",
				Sources: cli.EnvVars("WORKER_API_PORT"),
			},
		}, cmd.EngineFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("conductor-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing Conductor Worker")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := cmd.ConfigFromCommand(command, "conductor-worker")
			cfg.WorkerID = workerID

			rt, err := cmd.NewRuntime(ctx, logger, cfg)
			if err != nil {
				return err
			}

			defer rt.Close(context.WithoutCancel(ctx))

			stopMetrics := cmd.StartMetricsServer(logger, cfg.MetricsPort, rt.Prometheus)

			sweeper := engine.NewSweeper(logger, rt.Engine, engine.SweepSchedules{
				ExpireWaiting:   command.String("sweep-expire"),
				Cleanup:         command.String("sweep-cleanup"),
				ReplayScheduled: command.String("sweep-replay"),
				RecoverStalled:  command.String("sweep-recover"),
				StaleAfter:      command.Duration("stale-after"),
			})
			if err := sweeper.Start(ctx); err != nil {
				return err
			}

			worker := engine.NewWorker(logger, workerID, rt.Engine, rt.Bus, command.Int("executions"))
			if err := worker.Start(ctx); err != nil {
				sweeper.Stop()

				return err
			}

			var server *web.Server

			if port := command.Int("api-port"); port > 0 {
				server = web.NewServer(logger, web.NewAPIHandlers(
					rt.Engine,
					validator.New(validator.WithRequiredStructEnabled()),
					rt.Registry,
					rt.Store,
				))

				go func() {
					if err := server.Start(port); err != nil {
						logger.Error("api server stopped", "error", err)
					}
				}()
			}

			<-ctx.Done()
			logger.Info("Shutting down Conductor Worker")

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()

			if server != nil {
				if err := server.Shutdown(shutdownCtx); err != nil {
					logger.Error("Failed to stop api server", "error", err)
				}
			}

			sweeper.Stop()
			worker.Stop()

			return stopMetrics(shutdownCtx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		log.WithModule("conductor-worker").Error("conductor-worker failed", "error", err)
		os.Exit(1)
	}
}

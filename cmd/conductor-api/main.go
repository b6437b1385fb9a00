// Package main provides the conductor HTTP API.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/conductor/pkg/cmd"
	"github.com/dukex/conductor/pkg/log"
	"github.com/dukex/conductor/pkg/web"
	"github.com/go-playground/validator/v10"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "conductor-api",
		Usage:                 "Enqueue executions and operate the engine over HTTP",
		EnableShellCompletion: true,
		Flags: append([]cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
		}, cmd.EngineFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("conductor-api")
			logger.InfoContext(ctx, "Initializing Conductor API")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := cmd.NewRuntime(ctx, logger, cmd.ConfigFromCommand(command, "conductor-api"))
			if err != nil {
				return err
			}

			defer rt.Close(context.WithoutCancel(ctx))

			stopMetrics := cmd.StartMetricsServer(logger, rt.Config.MetricsPort, rt.Prometheus)

			handlers := web.NewAPIHandlers(
				rt.Engine,
				validator.New(validator.WithRequiredStructEnabled()),
				rt.Registry,
				rt.Store,
			)
			server := web.NewServer(logger, handlers)

			errCh := make(chan error, 1)

			go func() {
				errCh <- server.Start(command.Int("port"))
			}()

			select {
			case err = <-errCh:
			case <-ctx.Done():
				logger.Info("Shutting down Conductor API")
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()

			return errors.Join(err, server.Shutdown(shutdownCtx), stopMetrics(shutdownCtx))
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		log.WithModule("conductor-api").Error("conductor-api failed", "error", err)
		os.Exit(1)
	}
}

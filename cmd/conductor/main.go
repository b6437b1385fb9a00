// Package main provides conductor, the operator CLI.
package main

import (
	"context"
	"os"

	"github.com/dukex/conductor/pkg/cmd"
	"github.com/dukex/conductor/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "conductor",
		Usage:                 "Inspect and operate the execution engine",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			{
				Name:      "preview",
				Usage:     "Print the step order of a graph file without running it",
				ArgsUsage: "<graph.json>",
				Action:    previewGraph,
			},
			{
				Name:    "executions",
				Aliases: []string{"x"},
				Usage:   "Inspect executions",
				Flags:   cmd.EngineFlags(),
				Commands: []*cli.Command{
					{
						Name:      "get",
						Usage:     "Show one execution",
						ArgsUsage: "<execution-id>",
						Action:    withRuntime(getExecution),
					},
					{
						Name:      "steps",
						Usage:     "List the steps of one execution",
						ArgsUsage: "<execution-id>",
						Action:    withRuntime(listSteps),
					},
				},
			},
			{
				Name:  "dlq",
				Usage: "Manage dead-lettered steps",
				Flags: cmd.EngineFlags(),
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "List dead letters",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "organization-id", Usage: "Only this organization"},
							&cli.StringFlag{Name: "execution-id", Usage: "Only this execution"},
							&cli.IntFlag{Name: "limit", Usage: "Maximum items", Value: 50},
						},
						Action: withRuntime(listDeadLetters),
					},
					{
						Name:      "replay",
						Usage:     "Reset a dead-lettered step and drive its execution again",
						ArgsUsage: "<dead-letter-id>",
						Action:    withRuntime(replayDeadLetter),
					},
				},
			},
			{
				Name:      "sweep",
				Usage:     "Run one maintenance sweep now (expire_waiting, idempotency_cleanup, dlq_replay, recover_stalled)",
				ArgsUsage: "<sweep>",
				Flags:     cmd.EngineFlags(),
				Action:    withRuntime(runSweep),
			},
			{
				Name:      "quota",
				Usage:     "Show an organization's quota counters",
				ArgsUsage: "<organization-id>",
				Flags: append([]cli.Flag{
					&cli.StringSliceFlag{Name: "connectors", Usage: "Also show active counts of these connectors"},
				}, cmd.EngineFlags()...),
				Action: withRuntime(showQuota),
			},
			{
				Name:   "locks",
				Usage:  "Show the resolved lock strategy and its telemetry",
				Flags:  cmd.EngineFlags(),
				Action: withRuntime(showLocks),
			},
			{
				Name:   "nodes",
				Usage:  "List registered node types",
				Flags:  cmd.EngineFlags(),
				Action: withRuntime(listNodes),
			},
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		log.WithModule("conductor").Error("command failed", "error", err)
		os.Exit(1)
	}
}

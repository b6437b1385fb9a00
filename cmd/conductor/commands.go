package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dukex/conductor/pkg/cmd"
	"github.com/dukex/conductor/pkg/engine"
	"github.com/dukex/conductor/pkg/log"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/scheduler"
	cli "github.com/urfave/cli/v3"
)

var errMissingArgument = errors.New("missing argument")

type runtimeAction func(ctx context.Context, command *cli.Command, rt *cmd.Runtime) error

// withRuntime builds a Runtime from the engine flags for the duration of one
// command.
func withRuntime(action runtimeAction) cli.ActionFunc {
	return func(ctx context.Context, command *cli.Command) error {
		log.Setup(command.String("log-level"))

		rt, err := cmd.NewRuntime(ctx, log.WithModule("conductor"), cmd.ConfigFromCommand(command, "conductor"))
		if err != nil {
			return err
		}

		defer rt.Close(ctx)

		return action(ctx, command, rt)
	}
}

func argument(command *cli.Command, name string) (string, error) {
	value := command.Args().First()
	if value == "" {
		return "", fmt.Errorf("%w: %s", errMissingArgument, name)
	}

	return value, nil
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	return encoder.Encode(value)
}

func previewGraph(_ context.Context, command *cli.Command) error {
	path, err := argument(command, "graph file")
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read graph file %s: %w", path, err)
	}

	var graph models.Graph
	if err := json.Unmarshal(data, &graph); err != nil {
		return fmt.Errorf("failed to parse graph file %s: %w", path, err)
	}

	plan := scheduler.Compile(&graph)
	if err := printJSON(plan); err != nil {
		return err
	}

	if !plan.Complete {
		return fmt.Errorf("%w: %d unresolved nodes", engine.ErrInvalidGraph, len(plan.Unresolved))
	}

	return nil
}

func getExecution(ctx context.Context, command *cli.Command, rt *cmd.Runtime) error {
	id, err := argument(command, "execution id")
	if err != nil {
		return err
	}

	execution, err := rt.Engine.GetExecution(ctx, id)
	if err != nil {
		return err
	}

	return printJSON(execution)
}

func listSteps(ctx context.Context, command *cli.Command, rt *cmd.Runtime) error {
	id, err := argument(command, "execution id")
	if err != nil {
		return err
	}

	steps, err := rt.Engine.Steps(ctx, id)
	if err != nil {
		return err
	}

	counts, err := rt.Engine.Scheduler().GetStatusCounts(ctx, id)
	if err != nil {
		return err
	}

	return printJSON(map[string]any{"execution_id": id, "steps": steps, "counts": counts})
}

func listDeadLetters(ctx context.Context, command *cli.Command, rt *cmd.Runtime) error {
	items, err := rt.Engine.Retry().ListDeadLetters(ctx, persistence.DeadLetterFilter{
		OrganizationID: command.String("organization-id"),
		ExecutionID:    command.String("execution-id"),
		Limit:          command.Int("limit"),
	})
	if err != nil {
		return err
	}

	return printJSON(items)
}

func replayDeadLetter(ctx context.Context, command *cli.Command, rt *cmd.Runtime) error {
	id, err := argument(command, "dead letter id")
	if err != nil {
		return err
	}

	if err := rt.Engine.ReplayDeadLetter(ctx, id); err != nil {
		return err
	}

	return printJSON(map[string]any{"id": id, "replayed": true})
}

func runSweep(ctx context.Context, command *cli.Command, rt *cmd.Runtime) error {
	name, err := argument(command, "sweep")
	if err != nil {
		return err
	}

	sweeper := engine.NewSweeper(log.WithModule("conductor"), rt.Engine, engine.DefaultSweepSchedules())

	affected, err := sweeper.RunOnce(ctx, name)
	if err != nil {
		return err
	}

	return printJSON(map[string]any{"sweep": name, "affected": affected})
}

func showQuota(ctx context.Context, command *cli.Command, rt *cmd.Runtime) error {
	organizationID, err := argument(command, "organization id")
	if err != nil {
		return err
	}

	state, err := rt.Engine.Admission().Quota().GetState(ctx, organizationID)
	if err != nil {
		return err
	}

	connectors := make(map[string]map[string]int64)

	for _, connectorID := range command.StringSlice("connectors") {
		global, organization, err := rt.Engine.Admission().Connectors().Active(ctx, connectorID, organizationID)
		if err != nil {
			return err
		}

		connectors[connectorID] = map[string]int64{"global": global, "organization": organization}
	}

	return printJSON(map[string]any{"quota": state, "connectors": connectors})
}

func showLocks(_ context.Context, _ *cli.Command, rt *cmd.Runtime) error {
	return printJSON(rt.Engine.Locks().Snapshot())
}

func listNodes(_ context.Context, _ *cli.Command, rt *cmd.Runtime) error {
	nodes := make([]map[string]any, 0)

	for _, factory := range rt.Registry.GetAvailableNodes() {
		nodes = append(nodes, map[string]any{
			"id":          factory.ID(),
			"name":        factory.Name(),
			"description": factory.Description(),
		})
	}

	return printJSON(nodes)
}

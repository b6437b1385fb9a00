package cmd_test

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/conductor/pkg/cmd"
	"github.com/dukex/conductor/pkg/config"
	"github.com/dukex/conductor/pkg/engine"
	"github.com/dukex/conductor/pkg/lock"
	"github.com/dukex/conductor/pkg/log"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/testutil"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRuntime_InMemory(t *testing.T) {
	ctx := context.Background()

	cfg := config.Defaults()
	cfg.PluginsPath = t.TempDir()

	rt, err := cmd.NewRuntime(ctx, log.Discard(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(ctx) })

	assert.False(t, rt.Cache.IsSome())
	assert.Equal(t, lock.ModeMemory, rt.Engine.Locks().Mode())
	assert.NotEmpty(t, rt.Registry.GetAvailableNodes())
	require.NoError(t, rt.Store.HealthCheck(ctx))

	worker := engine.NewWorker(log.Discard(), "worker-test", rt.Engine, rt.Bus, 1)
	require.NoError(t, worker.Start(ctx))
	t.Cleanup(worker.Stop)

	execution, err := rt.Engine.Enqueue(ctx, engine.EnqueueRequest{
		WorkflowID:     "wf-1",
		OrganizationID: "org-1",
		Graph:          testutil.LinearGraph("a", "b"),
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		stored, err := rt.Engine.GetExecution(ctx, execution.ID)

		return err == nil && stored.Status == models.ExecutionStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	families, err := rt.Prometheus.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewRuntime_InvalidConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.EventBus = config.EventBusKafka

	_, err := cmd.NewRuntime(context.Background(), log.Discard(), cfg)
	require.Error(t, err)
}

func TestNewPersistence_UnsupportedProvider(t *testing.T) {
	_, err := cmd.NewPersistence(context.Background(), log.Discard(), "mongodb://localhost/conductor")
	require.Error(t, err)

	store, err := cmd.NewPersistence(context.Background(), log.Discard(), "memory://")
	require.NoError(t, err)
	assert.NoError(t, store.HealthCheck(context.Background()))
}

func TestNewRegistry_DefaultNodes(t *testing.T) {
	reg, err := cmd.NewRegistry(log.Discard(), "", clockwork.NewRealClock())
	require.NoError(t, err)

	_, err = reg.CreateNode(context.Background(), "log", "a", map[string]any{"message": "hello"})
	require.NoError(t, err)
}

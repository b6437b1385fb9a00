package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/conductor/pkg/channels/gochannel"
	"github.com/dukex/conductor/pkg/engine"
	"github.com/dukex/conductor/pkg/eventbus"
	"github.com/dukex/conductor/pkg/log"
	"github.com/dukex/conductor/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_DrivesQueuedExecutions(t *testing.T) {
	ctx := context.Background()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(log.Discard(), pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	f := newFixture(t, bus)

	worker := engine.NewWorker(log.Discard(), "worker-1", f.engine, bus, 2)
	require.NoError(t, worker.Start(ctx))
	t.Cleanup(worker.Stop)

	graph := &models.Graph{
		Nodes: []*models.Node{scripted("a", 0), scripted("b", 1)},
		Edges: []*models.Edge{{Source: "a", Target: "b"}},
	}

	first, err := f.engine.Enqueue(ctx, request(graph))
	require.NoError(t, err)

	second, err := f.engine.Enqueue(ctx, request(approvalGraph(0)))
	require.NoError(t, err)

	status := func(id string) models.ExecutionStatus {
		execution, err := f.engine.GetExecution(ctx, id)
		if err != nil {
			return ""
		}

		return execution.Status
	}

	assert.Eventually(t, func() bool {
		return status(first.ID) == models.ExecutionStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return status(second.ID) == models.ExecutionStatusWaiting
	}, 5*time.Second, 10*time.Millisecond)

	waiting := stepsByNode(t, f, second.ID)["approve"]
	_, err = f.engine.Resume(ctx, waiting.ID, map[string]any{"token": waiting.ResumeState["token"], "approved": true})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return status(second.ID) == models.ExecutionStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

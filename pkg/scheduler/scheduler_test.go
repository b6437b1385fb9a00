package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/conductor/pkg/log"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/persistence/memory"
	"github.com/dukex/conductor/pkg/scheduler"
	"github.com/dukex/conductor/pkg/testutil"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScheduler(t *testing.T) (*scheduler.Scheduler, *clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClock()
	store := memory.NewPersistence()

	return scheduler.New(log.Discard(), persistence.Some[persistence.StepRepository](store), clock), clock
}

func initialize(t *testing.T, s *scheduler.Scheduler, graph *models.Graph) *scheduler.InitResult {
	t.Helper()

	result, err := s.Initialize(context.Background(), scheduler.Initialization{
		ExecutionID:    "exec-1",
		WorkflowID:     "wf-1",
		OrganizationID: "org-1",
		Graph:          graph,
	})
	require.NoError(t, err)

	return result
}

func nodeIDs(steps []*models.ExecutionStep) []string {
	ids := make([]string, len(steps))
	for i, step := range steps {
		ids[i] = step.NodeID
	}

	return ids
}

func TestInitialize_CreatesStepsAndDependencies(t *testing.T) {
	s, _ := newScheduler(t)

	graph := &models.Graph{
		Nodes: []*models.Node{
			testutil.CreateTestNode("a"),
			testutil.CreateTestNode("b"),
			testutil.CreateTestNode("c"),
			testutil.CreateTestNode("d"),
		},
		Edges: []*models.Edge{
			testutil.Edge("a", "c"),
			testutil.Edge("b:out", "c:in"),
			testutil.Edge("c", "d"),
			testutil.Edge("c", "d"),
			testutil.Edge("ghost", "d"),
		},
	}

	result := initialize(t, s, graph)

	assert.Len(t, result.Steps, 4)
	assert.Len(t, result.Dependencies, 3)
	assert.Len(t, result.StepIDByNodeID, 4)
	assert.ElementsMatch(t, []string{"a", "b"}, nodeIDs(result.ReadySteps))
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "ghost")

	ctx := context.Background()

	steps, err := s.GetSteps(ctx, "exec-1")
	require.NoError(t, err)
	assert.Len(t, steps, 4)

	for _, step := range steps {
		assert.Equal(t, models.StepStatusPending, step.Status)
		assert.Equal(t, "org-1", step.OrganizationID)
		assert.Zero(t, step.Attempts)
	}

	ready, err := s.GetReadySteps(ctx, "exec-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, nodeIDs(ready))
}

func TestInitialize_MaxAttempts(t *testing.T) {
	s, _ := newScheduler(t)

	maxAttempts := 3
	graph := &models.Graph{Nodes: []*models.Node{
		testutil.CreateTestNode("a"),
		testutil.CreateTestNode("b", testutil.WithRetries(0)),
	}}

	result, err := s.Initialize(context.Background(), scheduler.Initialization{
		ExecutionID: "exec-1",
		Graph:       graph,
		MaxAttempts: &maxAttempts,
	})
	require.NoError(t, err)

	byNode := map[string]*models.ExecutionStep{}
	for _, step := range result.Steps {
		byNode[step.NodeID] = step
	}

	assert.Equal(t, 3, *byNode["a"].MaxAttempts)
	assert.Equal(t, 1, *byNode["b"].MaxAttempts)
}

func TestInitialize_RejectsDuplicateNodesAndEmptyGraph(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()

	_, err := s.Initialize(ctx, scheduler.Initialization{ExecutionID: "exec-1", Graph: &models.Graph{}})
	assert.Error(t, err)

	graph := &models.Graph{Nodes: []*models.Node{testutil.CreateTestNode("a"), testutil.CreateTestNode("a")}}
	_, err = s.Initialize(ctx, scheduler.Initialization{ExecutionID: "exec-1", Graph: graph})
	assert.Error(t, err)
}

func TestReadiness_FollowsCompletion(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()
	result := initialize(t, s, testutil.LinearGraph("a", "b", "c"))

	stepA := result.StepIDByNodeID["a"]
	stepB := result.StepIDByNodeID["b"]

	_, err := s.MarkRunning(ctx, stepA)
	require.NoError(t, err)

	ready, err := s.GetReadySteps(ctx, "exec-1")
	require.NoError(t, err)
	assert.Empty(t, ready)

	_, err = s.MarkCompleted(ctx, stepA, map[string]any{"value": 1}, scheduler.StepDetails{
		DeterministicKeys: map[string]string{"request": "abc"},
	})
	require.NoError(t, err)

	ready, err = s.GetReadySteps(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, nodeIDs(ready))

	satisfied, err := s.AreDependenciesSatisfied(ctx, stepB)
	require.NoError(t, err)
	assert.True(t, satisfied)

	dependents, err := s.GetDependents(ctx, stepA)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, nodeIDs(dependents))

	outputs, err := s.GetNodeOutputs(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]map[string]any{"a": {"value": 1}}, outputs)

	keys, err := s.GetDeterministicKeys(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", keys["a"]["request"])

	counts, err := s.GetStatusCounts(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StepStatusCompleted])
	assert.Equal(t, 2, counts[models.StepStatusPending])

	done, err := s.AllStepsCompleted(ctx, "exec-1")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestMarkRunning_CountsAttemptsAndStamps(t *testing.T) {
	s, clock := newScheduler(t)
	ctx := context.Background()
	result := initialize(t, s, testutil.LinearGraph("a"))
	stepID := result.StepIDByNodeID["a"]

	queued, err := s.MarkQueued(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusQueued, queued.Status)
	require.NotNil(t, queued.QueuedAt)

	clock.Advance(time.Second)

	running, err := s.MarkRunning(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusRunning, running.Status)
	assert.Equal(t, 1, running.Attempts)
	assert.Equal(t, clock.Now().UTC(), *running.StartedAt)

	failed, err := s.MarkFailed(ctx, stepID, map[string]any{"message": "boom"}, false, scheduler.StepDetails{})
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, failed.Status)
	assert.Equal(t, "boom", failed.Error["message"])

	running, err = s.MarkRunning(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, 2, running.Attempts)

	completed, err := s.MarkCompleted(ctx, stepID, map[string]any{"ok": true}, scheduler.StepDetails{
		Logs: []models.StepLog{{Level: "info", Message: "done"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, completed.Status)
	assert.Nil(t, completed.Error)
	assert.Len(t, completed.Logs, 1)
	require.NotNil(t, completed.CompletedAt)

	done, err := s.AllStepsCompleted(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestMarkFailed_Final(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()
	stepID := initialize(t, s, testutil.LinearGraph("a")).StepIDByNodeID["a"]

	_, err := s.MarkRunning(ctx, stepID)
	require.NoError(t, err)

	failed, err := s.MarkFailed(ctx, stepID, map[string]any{"message": "fatal"}, true, scheduler.StepDetails{
		Metadata: map[string]any{"dead_lettered": true},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, failed.Status)
	assert.Equal(t, true, failed.Metadata["dead_lettered"])

	// Completing a failed step is not a valid transition.
	_, err = s.MarkCompleted(ctx, stepID, nil, scheduler.StepDetails{})
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	reset, err := s.ResetForRetry(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, reset.Status)
	assert.Equal(t, 1, reset.Attempts)
	assert.Nil(t, reset.StartedAt)
	assert.Nil(t, reset.CompletedAt)
}

func TestWaitingAndResume(t *testing.T) {
	s, clock := newScheduler(t)
	ctx := context.Background()
	stepID := initialize(t, s, testutil.LinearGraph("a", "b")).StepIDByNodeID["a"]

	_, err := s.MarkRunning(ctx, stepID)
	require.NoError(t, err)

	_, err = s.MarkWaiting(ctx, stepID, nil, nil, nil)
	require.ErrorIs(t, err, scheduler.ErrWaitConditionRequired)

	until := clock.Now().Add(time.Hour)
	waiting, err := s.MarkWaiting(ctx, stepID, &until, map[string]any{"token": "t-1"}, map[string]any{"reason": "approval"})
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusWaiting, waiting.Status)

	ready, err := s.GetReadySteps(ctx, "exec-1")
	require.NoError(t, err)
	assert.Empty(t, ready)

	_, err = s.Resume(ctx, stepID, map[string]any{"token": "wrong"})
	require.ErrorIs(t, err, scheduler.ErrResumeStateMismatch)

	resumed, err := s.Resume(ctx, stepID, map[string]any{"token": "t-1", "approved": true})
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, resumed.Status)
	assert.Nil(t, resumed.WaitUntil)
	assert.Equal(t, true, resumed.Input["resume"].(map[string]any)["approved"])

	ready, err = s.GetReadySteps(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, nodeIDs(ready))
}

func TestExpireWaiting(t *testing.T) {
	s, clock := newScheduler(t)
	ctx := context.Background()
	result := initialize(t, s, &models.Graph{Nodes: []*models.Node{
		testutil.CreateTestNode("a"),
		testutil.CreateTestNode("b"),
	}})

	for node, wait := range map[string]time.Duration{"a": time.Minute, "b": time.Hour} {
		stepID := result.StepIDByNodeID[node]
		_, err := s.MarkRunning(ctx, stepID)
		require.NoError(t, err)

		until := clock.Now().Add(wait)
		_, err = s.MarkWaiting(ctx, stepID, &until, nil, nil)
		require.NoError(t, err)
	}

	clock.Advance(2 * time.Minute)

	expired, err := s.ExpireWaiting(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "a", expired[0].NodeID)
	assert.Equal(t, models.StepStatusFailed, expired[0].Status)
	assert.Equal(t, scheduler.WaitExpiredCode, expired[0].Error["code"])
}

func TestDegradedModeWithoutStore(t *testing.T) {
	s := scheduler.New(log.Discard(), persistence.None[persistence.StepRepository](), clockwork.NewFakeClock())
	ctx := context.Background()

	result, err := s.Initialize(ctx, scheduler.Initialization{ExecutionID: "exec-1", Graph: testutil.LinearGraph("a", "b")})
	require.NoError(t, err)
	assert.Len(t, result.ReadySteps, 1)

	step, err := s.MarkRunning(ctx, result.StepIDByNodeID["a"])
	require.NoError(t, err)
	assert.Nil(t, step)

	ready, err := s.GetReadySteps(ctx, "exec-1")
	require.NoError(t, err)
	assert.Empty(t, ready)

	done, err := s.AllStepsCompleted(ctx, "exec-1")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestConcurrentTransitionConflict(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()
	stepID := initialize(t, s, testutil.LinearGraph("a")).StepIDByNodeID["a"]

	_, err := s.MarkRunning(ctx, stepID)
	require.NoError(t, err)

	// A second claim of the same step is refused by the state machine.
	_, err = s.MarkRunning(ctx, stepID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
}

package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dukex/conductor/pkg/admission"
	"github.com/dukex/conductor/pkg/counter"
	"github.com/dukex/conductor/pkg/engine"
	"github.com/dukex/conductor/pkg/eventbus"
	"github.com/dukex/conductor/pkg/events"
	"github.com/dukex/conductor/pkg/lock"
	"github.com/dukex/conductor/pkg/log"
	"github.com/dukex/conductor/pkg/manifest"
	"github.com/dukex/conductor/pkg/mocks"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/nodes/approval"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/persistence/memory"
	"github.com/dukex/conductor/pkg/protocol"
	"github.com/dukex/conductor/pkg/registry"
	"github.com/dukex/conductor/pkg/retry"
	"github.com/dukex/conductor/pkg/scheduler"
	"github.com/dukex/conductor/pkg/testutil"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const scriptedType = "test.scripted"

// scriptedFactory builds nodes that fail a configured number of times before
// succeeding. Failure budgets survive node re-creation.
type scriptedFactory struct {
	mu        sync.Mutex
	calls     []string
	remaining map[string]int
}

func newScriptedFactory() *scriptedFactory {
	return &scriptedFactory{remaining: make(map[string]int)}
}

func (f *scriptedFactory) Create(_ context.Context, id string, config map[string]any) (protocol.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, seen := f.remaining[id]; !seen {
		switch failures := config["failures"].(type) {
		case int:
			f.remaining[id] = failures
		case float64:
			f.remaining[id] = int(failures)
		default:
			f.remaining[id] = 0
		}
	}

	return &scriptedNode{id: id, factory: f}, nil
}

func (f *scriptedFactory) ID() string             { return scriptedType }
func (f *scriptedFactory) Name() string           { return "Scripted" }
func (f *scriptedFactory) Description() string    { return "test node" }
func (f *scriptedFactory) Schema() map[string]any { return nil }

func (f *scriptedFactory) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

type scriptedNode struct {
	id      string
	factory *scriptedFactory
}

func (n *scriptedNode) ID() string   { return n.id }
func (n *scriptedNode) Type() string { return scriptedType }

func (n *scriptedNode) Execute(_ context.Context, input protocol.NodeInput) (protocol.NodeResult, error) {
	n.factory.mu.Lock()
	defer n.factory.mu.Unlock()

	n.factory.calls = append(n.factory.calls, n.id)

	if n.factory.remaining[n.id] > 0 {
		n.factory.remaining[n.id]--

		return protocol.NodeResult{}, fmt.Errorf("transient failure of %s on attempt %d", n.id, input.Attempt)
	}

	return protocol.NodeResult{Output: map[string]any{"node": n.id, "attempt": input.Attempt}}, nil
}

const blockingType = "test.blocking"

// blockingFactory builds nodes that announce their start and hold until the
// factory is released.
type blockingFactory struct {
	started chan string
	release chan struct{}
}

func newBlockingFactory() *blockingFactory {
	return &blockingFactory{started: make(chan string, 8), release: make(chan struct{})}
}

func (f *blockingFactory) Create(_ context.Context, id string, _ map[string]any) (protocol.Node, error) {
	return &blockingNode{id: id, factory: f}, nil
}

func (f *blockingFactory) ID() string             { return blockingType }
func (f *blockingFactory) Name() string           { return "Blocking" }
func (f *blockingFactory) Description() string    { return "test node" }
func (f *blockingFactory) Schema() map[string]any { return nil }

type blockingNode struct {
	id      string
	factory *blockingFactory
}

func (n *blockingNode) ID() string   { return n.id }
func (n *blockingNode) Type() string { return blockingType }

func (n *blockingNode) Execute(ctx context.Context, _ protocol.NodeInput) (protocol.NodeResult, error) {
	n.factory.started <- n.id

	select {
	case <-n.factory.release:
		return protocol.NodeResult{Output: map[string]any{"node": n.id}}, nil
	case <-ctx.Done():
		return protocol.NodeResult{}, ctx.Err()
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

func (p *recordingPublisher) Types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()

	types := make([]events.EventType, 0, len(p.events))
	for _, event := range p.events {
		types = append(types, event.GetType())
	}

	return types
}

type fixture struct {
	engine    *engine.Engine
	store     *memory.Persistence
	clock     *clockwork.FakeClock
	plans     *manifest.Plans
	scripted  *scriptedFactory
	blocking  *blockingFactory
	published *recordingPublisher
}

func newFixture(t *testing.T, publisher eventbus.EventPublisher) *fixture {
	t.Helper()

	store := memory.NewPersistence()
	clock := clockwork.NewFakeClock()
	plans := manifest.NewPlans(models.OrganizationLimits{})
	quotas := persistence.Some[persistence.QuotaRepository](store)

	controller := admission.NewController(log.Discard(), admission.ControllerOptions{
		Quota: admission.NewQuotaLimiter(log.Discard(), admission.QuotaOptions{Repository: quotas, Clock: clock}),
		Connectors: admission.NewConnectorLimiter(log.Discard(), admission.ConnectorOptions{
			Store:    counter.NewMemoryStore(),
			Manifest: manifest.NewConnectors(nil),
		}),
		Plans: plans,
		Audit: quotas,
		Clock: clock,
	})

	reg := registry.NewRegistry(log.Discard())
	reg.RegisterDefaultNodes(clock)

	factory := newScriptedFactory()
	reg.RegisterNode(factory)

	blocking := newBlockingFactory()
	reg.RegisterNode(blocking)

	recorder := &recordingPublisher{}
	if publisher == nil {
		publisher = recorder
	}

	eng := engine.New(log.Discard(), engine.Options{
		Scheduler:  scheduler.New(log.Discard(), persistence.Some[persistence.StepRepository](store), clock),
		Executions: store,
		Admission:  controller,
		Locks:      lock.NewServiceWithStrategy(log.Discard(), lock.NewMemoryStrategy(clock), clock),
		Retry: retry.NewManager(log.Discard(), retry.ManagerOptions{
			Idempotency: persistence.Some[persistence.IdempotencyRepository](store),
			DeadLetters: persistence.Some[persistence.DeadLetterRepository](store),
			Clock:       clock,
		}),
		Registry:  reg,
		Publisher: publisher,
		Clock:     clock,
		Backoff:   &retry.Backoff{Initial: time.Millisecond, Max: time.Millisecond},
	})

	return &fixture{
		engine:    eng,
		store:     store,
		clock:     clock,
		plans:     plans,
		scripted:  factory,
		blocking:  blocking,
		published: recorder,
	}
}

func scripted(id string, failures int) *models.Node {
	return testutil.CreateTestNode(id, testutil.WithType(scriptedType), testutil.WithConfig(map[string]any{"failures": failures}))
}

func request(graph *models.Graph) engine.EnqueueRequest {
	return engine.EnqueueRequest{WorkflowID: "wf-1", OrganizationID: "org-1", Graph: graph}
}

func stepsByNode(t *testing.T, f *fixture, executionID string) map[string]*models.ExecutionStep {
	t.Helper()

	steps, err := f.engine.Steps(context.Background(), executionID)
	require.NoError(t, err)

	byNode := make(map[string]*models.ExecutionStep, len(steps))
	for _, step := range steps {
		byNode[step.NodeID] = step
	}

	return byNode
}

func runningSlots(t *testing.T, f *fixture) int64 {
	t.Helper()

	state, err := f.engine.Admission().Quota().GetState(context.Background(), "org-1")
	require.NoError(t, err)

	return state.Running
}

func TestEngine_LinearGraphRetriesFailedStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	graph := &models.Graph{
		Nodes: []*models.Node{scripted("a", 0), scripted("b", 1), scripted("c", 0)},
		Edges: []*models.Edge{testutil.Edge("a", "b"), testutil.Edge("b", "c")},
	}

	execution, err := f.engine.Enqueue(ctx, request(graph))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusQueued, execution.Status)
	assert.Equal(t, []events.EventType{events.ExecutionAdmittedEvent}, f.published.Types())
	assert.Equal(t, int64(1), runningSlots(t, f))

	require.NoError(t, f.engine.Start(ctx, execution.ID))

	// c only ran after b finally succeeded.
	assert.Equal(t, []string{"a", "b", "b", "c"}, f.scripted.Calls())

	steps := stepsByNode(t, f, execution.ID)
	assert.Equal(t, models.StepStatusCompleted, steps["b"].Status)
	assert.Equal(t, 2, steps["b"].Attempts)
	assert.Equal(t, 1, steps["a"].Attempts)
	assert.Equal(t, 1, steps["c"].Attempts)

	done, err := f.engine.Scheduler().AllStepsCompleted(ctx, execution.ID)
	require.NoError(t, err)
	assert.True(t, done)

	stored, err := f.engine.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.Contains(t, f.published.Types(), events.ExecutionCompletedEvent)
	assert.Equal(t, int64(0), runningSlots(t, f))

	// A redelivered admission does not run anything again.
	require.NoError(t, f.engine.Start(ctx, execution.ID))
	assert.Len(t, f.scripted.Calls(), 4)
}

func TestEngine_IndependentBranchesRunConcurrently(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	graph := &models.Graph{
		Nodes: []*models.Node{scripted("root", 0), scripted("left", 0), scripted("right", 0), scripted("join", 0)},
		Edges: []*models.Edge{
			testutil.Edge("root", "left"),
			testutil.Edge("root", "right"),
			testutil.Edge("left", "join"),
			testutil.Edge("right", "join"),
		},
	}

	execution, err := f.engine.Enqueue(ctx, request(graph))
	require.NoError(t, err)
	require.NoError(t, f.engine.Start(ctx, execution.ID))

	calls := f.scripted.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, "root", calls[0])
	assert.ElementsMatch(t, []string{"left", "right"}, calls[1:3])
	assert.Equal(t, "join", calls[3])
}

func TestEngine_EnqueueRejectedByQuota(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.plans.Set("org-1", models.OrganizationLimits{MaxConcurrentExecutions: 1})

	_, err := f.engine.Enqueue(ctx, request(testutil.LinearGraph("a")))
	require.NoError(t, err)

	rejected, err := f.engine.Enqueue(ctx, request(testutil.LinearGraph("a")))
	require.Error(t, err)
	assert.True(t, admission.IsRejected(err))
	require.NotNil(t, rejected)

	stored, err := f.engine.GetExecution(ctx, rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)

	quota, ok := stored.Metadata["quota"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, admission.ReasonConcurrency, quota["reason"])

	audit, err := f.store.ListQuotaAudit(ctx, "org-1", 10)
	require.NoError(t, err)
	assert.Len(t, audit, 1)

	// Only the admitted execution reached the queue.
	assert.Equal(t, []events.EventType{events.ExecutionAdmittedEvent}, f.published.Types())
}

func TestEngine_EnqueueRejectsInvalidGraphs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	tests := []struct {
		name  string
		graph *models.Graph
	}{
		{name: "empty", graph: &models.Graph{}},
		{
			name: "cycle",
			graph: &models.Graph{
				Nodes: []*models.Node{testutil.CreateTestNode("a"), testutil.CreateTestNode("b")},
				Edges: []*models.Edge{testutil.Edge("a", "b"), testutil.Edge("b", "a")},
			},
		},
		{
			name:  "unknown node type",
			graph: &models.Graph{Nodes: []*models.Node{testutil.CreateTestNode("a", testutil.WithType("missing"))}},
		},
		{
			name: "invalid node config",
			graph: &models.Graph{Nodes: []*models.Node{
				testutil.CreateTestNode("a", testutil.WithConfig(map[string]any{"level": "info"})),
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Enqueue(ctx, request(tt.graph))
			require.ErrorIs(t, err, engine.ErrInvalidGraph)
		})
	}

	assert.Empty(t, f.published.Types())
	assert.Equal(t, int64(0), runningSlots(t, f))
}

func TestEngine_EnqueuePublishFailureReleasesAdmission(t *testing.T) {
	ctx := context.Background()

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	f := newFixture(t, bus)

	_, err := f.engine.Enqueue(ctx, request(testutil.LinearGraph("a")))
	require.Error(t, err)

	executions, err := f.engine.ListExecutions(ctx, persistence.ExecutionFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, models.ExecutionStatusFailed, executions[0].Status)

	state, err := f.engine.Admission().Quota().GetState(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.Running)
	assert.Equal(t, int64(0), state.WindowCount, "an execution that never reached the queue keeps no window reservation")

	bus.AssertNumberOfCalls(t, "Publish", 1)
}

func approvalGraph(timeoutSeconds int) *models.Graph {
	config := map[string]any{"message": "ship it?", "approvers": []any{"ops"}}
	if timeoutSeconds > 0 {
		config["timeout_seconds"] = timeoutSeconds
	}

	return &models.Graph{
		Nodes: []*models.Node{
			testutil.CreateTestNode("approve", testutil.WithType(approval.NodeType), testutil.WithConfig(config)),
			scripted("deploy", 0),
		},
		Edges: []*models.Edge{testutil.Edge("approve", "deploy")},
	}
}

func TestEngine_ApprovalWaitsForResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	execution, err := f.engine.Enqueue(ctx, request(approvalGraph(0)))
	require.NoError(t, err)
	require.NoError(t, f.engine.Start(ctx, execution.ID))

	stored, err := f.engine.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaiting, stored.Status)
	assert.Equal(t, int64(1), runningSlots(t, f), "a waiting execution keeps its slot")

	waiting := stepsByNode(t, f, execution.ID)["approve"]
	require.Equal(t, models.StepStatusWaiting, waiting.Status)
	token, ok := waiting.ResumeState["token"].(string)
	require.True(t, ok)
	assert.Empty(t, f.scripted.Calls())

	_, err = f.engine.Resume(ctx, waiting.ID, map[string]any{"token": "wrong", "approved": true})
	require.ErrorIs(t, err, scheduler.ErrResumeStateMismatch)

	resumed, err := f.engine.Resume(ctx, waiting.ID, map[string]any{"token": token, "approved": true, "by": "ops"})
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, resumed.Status)
	assert.Contains(t, f.published.Types(), events.ExecutionDriveRequestedEvent)

	require.NoError(t, f.engine.Drive(ctx, execution.ID))

	steps := stepsByNode(t, f, execution.ID)
	assert.Equal(t, models.StepStatusCompleted, steps["approve"].Status)
	assert.Equal(t, "ops", steps["approve"].Output["approved_by"])
	assert.Equal(t, models.StepStatusCompleted, steps["deploy"].Status)

	stored, err = f.engine.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	assert.Equal(t, int64(0), runningSlots(t, f))

	_, err = f.engine.Resume(ctx, waiting.ID, map[string]any{"token": token})
	require.ErrorIs(t, err, engine.ErrExecutionFinished)
}

func startAsync(f *fixture, executionID string) <-chan error {
	done := make(chan error, 1)

	go func() {
		done <- f.engine.Start(context.Background(), executionID)
	}()

	return done
}

func awaitDone(t *testing.T, done <-chan error) {
	t.Helper()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("drive did not return")
	}
}

func TestEngine_ResumeWhileSiblingStepRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	graph := &models.Graph{
		Nodes: []*models.Node{
			testutil.CreateTestNode("approve", testutil.WithType(approval.NodeType), testutil.WithConfig(map[string]any{
				"message":   "ship it?",
				"approvers": []any{"ops"},
			})),
			testutil.CreateTestNode("slow", testutil.WithType(blockingType)),
		},
	}

	execution, err := f.engine.Enqueue(ctx, request(graph))
	require.NoError(t, err)

	done := startAsync(f, execution.ID)
	require.Equal(t, "slow", <-f.blocking.started)

	require.Eventually(t, func() bool {
		steps, err := f.engine.Steps(ctx, execution.ID)
		if err != nil {
			return false
		}

		for _, step := range steps {
			if step.NodeID == "approve" {
				return step.Status == models.StepStatusWaiting
			}
		}

		return false
	}, 2*time.Second, 5*time.Millisecond)

	waiting := stepsByNode(t, f, execution.ID)["approve"]
	token, ok := waiting.ResumeState["token"].(string)
	require.True(t, ok)

	// The drive request lands while this process still drives the execution,
	// so the running driver has to pick the resumed step up itself.
	_, err = f.engine.Resume(ctx, waiting.ID, map[string]any{"token": token, "approved": true, "by": "ops"})
	require.NoError(t, err)

	close(f.blocking.release)
	awaitDone(t, done)

	steps := stepsByNode(t, f, execution.ID)
	assert.Equal(t, models.StepStatusCompleted, steps["approve"].Status)
	assert.Equal(t, "ops", steps["approve"].Output["approved_by"])
	assert.Equal(t, models.StepStatusCompleted, steps["slow"].Status)

	stored, err := f.engine.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	assert.Empty(t, stored.Error)
	assert.Equal(t, int64(0), runningSlots(t, f))
}

func TestEngine_ExecutionLockOutlivesTTLWhileStepRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	graph := &models.Graph{Nodes: []*models.Node{testutil.CreateTestNode("slow", testutil.WithType(blockingType))}}

	execution, err := f.engine.Enqueue(ctx, request(graph))
	require.NoError(t, err)

	done := startAsync(f, execution.ID)
	require.Equal(t, "slow", <-f.blocking.started)

	resource := engine.LockResource(execution.ID)
	renewal := engine.DefaultLockTTL / 3

	expiry := func() time.Time {
		for _, held := range f.engine.Locks().Snapshot().HeldLocks {
			if held.Resource == resource {
				return held.ExpiresAt
			}
		}

		return time.Time{}
	}

	// Two full TTLs pass while the step is still running.
	for range 6 {
		f.clock.Advance(renewal)

		require.Eventually(t, func() bool {
			return expiry().After(f.clock.Now().Add(engine.DefaultLockTTL - renewal))
		}, 2*time.Second, 5*time.Millisecond)
	}

	assert.Nil(t, f.engine.Locks().AcquireLock(ctx, resource, time.Minute), "another driver must not take the execution")

	close(f.blocking.release)
	awaitDone(t, done)

	handle := f.engine.Locks().AcquireLock(ctx, resource, time.Minute)
	require.NotNil(t, handle, "the lock is released once the drive returns")
	handle.Release(ctx)

	stored, err := f.engine.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
}

func TestEngine_ExpiredWaitFailsExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	execution, err := f.engine.Enqueue(ctx, request(approvalGraph(60)))
	require.NoError(t, err)
	require.NoError(t, f.engine.Start(ctx, execution.ID))

	expired, err := f.engine.ExpireWaiting(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, expired)

	f.clock.Advance(2 * time.Minute)

	expired, err = f.engine.ExpireWaiting(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	require.NoError(t, f.engine.Drive(ctx, execution.ID))

	step := stepsByNode(t, f, execution.ID)["approve"]
	assert.Equal(t, models.StepStatusFailed, step.Status)
	assert.Equal(t, scheduler.WaitExpiredCode, step.Error["code"])

	stored, err := f.engine.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
	assert.Equal(t, int64(0), runningSlots(t, f))
}

func TestEngine_DeadLetterAndReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	flaky := scripted("b", 2)
	flaky.Retries = intPtr(1)
	graph := &models.Graph{
		Nodes: []*models.Node{scripted("a", 0), flaky, scripted("c", 0)},
		Edges: []*models.Edge{testutil.Edge("a", "b"), testutil.Edge("b", "c")},
	}

	execution, err := f.engine.Enqueue(ctx, request(graph))
	require.NoError(t, err)
	require.NoError(t, f.engine.Start(ctx, execution.ID))

	steps := stepsByNode(t, f, execution.ID)
	assert.Equal(t, models.StepStatusFailed, steps["b"].Status)
	assert.Equal(t, 2, steps["b"].Attempts)
	assert.Equal(t, models.StepStatusPending, steps["c"].Status)

	stored, err := f.engine.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
	assert.Equal(t, int64(0), runningSlots(t, f))
	assert.Contains(t, f.published.Types(), events.StepDeadLetteredEvent)

	letters, err := f.engine.Retry().ListDeadLetters(ctx, persistence.DeadLetterFilter{ExecutionID: execution.ID})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "b", letters[0].NodeID)
	assert.Equal(t, 2, letters[0].Attempts)

	require.NoError(t, f.engine.ReplayDeadLetter(ctx, letters[0].ID))
	assert.Equal(t, int64(1), runningSlots(t, f), "replay admits the execution again")

	require.NoError(t, f.engine.Drive(ctx, execution.ID))

	steps = stepsByNode(t, f, execution.ID)
	assert.Equal(t, models.StepStatusCompleted, steps["b"].Status)
	assert.Equal(t, models.StepStatusCompleted, steps["c"].Status)

	stored, err = f.engine.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)

	letters, err = f.engine.Retry().ListDeadLetters(ctx, persistence.DeadLetterFilter{ExecutionID: execution.ID})
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestEngine_ReplayRejectedByQuotaKeepsDeadLetter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.plans.Set("org-1", models.OrganizationLimits{MaxConcurrentExecutions: 1})

	flaky := scripted("a", 5)
	flaky.Retries = intPtr(0)

	execution, err := f.engine.Enqueue(ctx, request(&models.Graph{Nodes: []*models.Node{flaky}}))
	require.NoError(t, err)
	require.NoError(t, f.engine.Start(ctx, execution.ID))

	// Another execution holds the only slot.
	_, err = f.engine.Enqueue(ctx, request(testutil.LinearGraph("x")))
	require.NoError(t, err)

	letters, err := f.engine.Retry().ListDeadLetters(ctx, persistence.DeadLetterFilter{ExecutionID: execution.ID})
	require.NoError(t, err)
	require.Len(t, letters, 1)

	err = f.engine.ReplayDeadLetter(ctx, letters[0].ID)
	require.Error(t, err)
	assert.True(t, admission.IsRejected(err))

	item, err := f.engine.Retry().GetDeadLetter(ctx, letters[0].ID)
	require.NoError(t, err)
	assert.NotNil(t, item.ReplayedAt)
}

func TestEngine_RecoverStalledRepublishesQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	execution, err := f.engine.Enqueue(ctx, request(testutil.LinearGraph("a")))
	require.NoError(t, err)

	recovered, err := f.engine.RecoverStalled(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, recovered)

	f.clock.Advance(5 * time.Minute)

	recovered, err = f.engine.RecoverStalled(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, []events.EventType{events.ExecutionAdmittedEvent, events.ExecutionAdmittedEvent}, f.published.Types())

	require.NoError(t, f.engine.Start(ctx, execution.ID))

	stored, err := f.engine.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
}

func intPtr(v int) *int {
	return &v
}

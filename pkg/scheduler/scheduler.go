// Package scheduler owns the step DAG of an execution: it materializes one
// step per graph node, computes readiness from dependency statuses and moves
// steps through their lifecycle.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrResumeStateMismatch is returned when a resume does not carry the
	// state the waiting step was suspended with.
	ErrResumeStateMismatch = errors.New("resume state does not match waiting step")

	// ErrWaitConditionRequired is returned when a step is parked without a
	// waitUntil or a resume state.
	ErrWaitConditionRequired = errors.New("waiting step requires waitUntil or resume state")
)

// WaitExpiredCode is the error code set on steps whose wait deadline passed.
const WaitExpiredCode = "wait_expired"

// Scheduler drives execution steps. With no backing store every write is a
// no-op and every read is empty.
type Scheduler struct {
	logger *slog.Logger
	store  persistence.Option[persistence.StepRepository]
	clock  clockwork.Clock
}

// New creates a scheduler over store.
func New(logger *slog.Logger, store persistence.Option[persistence.StepRepository], clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Scheduler{
		logger: logger.With("module", "scheduler"),
		store:  store,
		clock:  clock,
	}
}

// Initialization describes the execution whose steps are created.
type Initialization struct {
	ExecutionID    string
	WorkflowID     string
	OrganizationID string
	Graph          *models.Graph
	// MaxAttempts caps attempts for nodes without their own retry budget.
	MaxAttempts *int
}

// InitResult is the outcome of Initialize.
type InitResult struct {
	StepIDByNodeID map[string]string
	ReadySteps     []*models.ExecutionStep
	Steps          []*models.ExecutionStep
	Dependencies   []*models.ExecutionStepDependency
	Warnings       []string
}

// Initialize creates one pending step per node and one dependency per valid
// edge in a single batch, and returns the steps with no inbound dependency.
// Edges that reference a missing node are skipped with a warning.
func (s *Scheduler) Initialize(ctx context.Context, init Initialization) (*InitResult, error) {
	if init.Graph == nil || len(init.Graph.Nodes) == 0 {
		return nil, fmt.Errorf("execution %s has no nodes to schedule", init.ExecutionID)
	}

	now := s.now()
	result := &InitResult{StepIDByNodeID: make(map[string]string, len(init.Graph.Nodes))}

	for _, node := range init.Graph.Nodes {
		if _, dup := result.StepIDByNodeID[node.ID]; dup {
			return nil, fmt.Errorf("execution %s: duplicate node id %q", init.ExecutionID, node.ID)
		}

		step := &models.ExecutionStep{
			ID:             uuid.NewString(),
			ExecutionID:    init.ExecutionID,
			WorkflowID:     init.WorkflowID,
			OrganizationID: init.OrganizationID,
			NodeID:         node.ID,
			Status:         models.StepStatusPending,
			MaxAttempts:    maxAttemptsFor(node, init.MaxAttempts),
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		result.StepIDByNodeID[node.ID] = step.ID
		result.Steps = append(result.Steps, step)
	}

	inbound := make(map[string]int, len(result.Steps))
	seen := make(map[[2]string]struct{})

	for _, edge := range init.Graph.Edges {
		source, target := edge.SourceNodeID(), edge.TargetNodeID()

		sourceStep, sourceOK := result.StepIDByNodeID[source]
		targetStep, targetOK := result.StepIDByNodeID[target]

		if !sourceOK || !targetOK {
			warning := fmt.Sprintf("edge %s references missing node (%s -> %s)", edge.ID, source, target)
			result.Warnings = append(result.Warnings, warning)
			s.logger.WarnContext(ctx, "skipping edge with missing node",
				"execution_id", init.ExecutionID,
				"edge_id", edge.ID,
				"source", source,
				"target", target,
			)

			continue
		}

		pair := [2]string{targetStep, sourceStep}
		if _, dup := seen[pair]; dup {
			continue
		}

		seen[pair] = struct{}{}
		inbound[targetStep]++
		result.Dependencies = append(result.Dependencies, &models.ExecutionStepDependency{
			ExecutionID:     init.ExecutionID,
			StepID:          targetStep,
			DependsOnStepID: sourceStep,
		})
	}

	for _, step := range result.Steps {
		if inbound[step.ID] == 0 {
			result.ReadySteps = append(result.ReadySteps, step)
		}
	}

	store, ok := s.store.Get()
	if !ok {
		s.logger.DebugContext(ctx, "no step store configured, steps not persisted", "execution_id", init.ExecutionID)

		return result, nil
	}

	if err := store.CreateSteps(ctx, result.Steps, result.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to create steps for execution %s: %w", init.ExecutionID, err)
	}

	s.logger.InfoContext(ctx, "execution steps initialized",
		"execution_id", init.ExecutionID,
		"steps", len(result.Steps),
		"dependencies", len(result.Dependencies),
		"ready", len(result.ReadySteps),
	)

	return result, nil
}

func maxAttemptsFor(node *models.Node, fallback *int) *int {
	if node.Retries != nil {
		attempts := *node.Retries + 1

		return &attempts
	}

	if fallback == nil {
		return nil
	}

	attempts := *fallback

	return &attempts
}

// executionView is one consistent read of an execution's steps and edges.
type executionView struct {
	steps      []*models.ExecutionStep
	byID       map[string]*models.ExecutionStep
	dependsOn  map[string][]string
	dependents map[string][]string
}

func (s *Scheduler) view(ctx context.Context, executionID string) (*executionView, error) {
	view := &executionView{
		byID:       make(map[string]*models.ExecutionStep),
		dependsOn:  make(map[string][]string),
		dependents: make(map[string][]string),
	}

	store, ok := s.store.Get()
	if !ok {
		return view, nil
	}

	steps, err := store.ListSteps(ctx, executionID)
	if err != nil {
		return nil, err
	}

	deps, err := store.ListDependencies(ctx, executionID)
	if err != nil {
		return nil, err
	}

	view.steps = steps
	for _, step := range steps {
		view.byID[step.ID] = step
	}

	for _, dep := range deps {
		view.dependsOn[dep.StepID] = append(view.dependsOn[dep.StepID], dep.DependsOnStepID)
		view.dependents[dep.DependsOnStepID] = append(view.dependents[dep.DependsOnStepID], dep.StepID)
	}

	return view, nil
}

func (v *executionView) satisfied(stepID string) bool {
	for _, depID := range v.dependsOn[stepID] {
		dep, ok := v.byID[depID]
		if !ok || dep.Status != models.StepStatusCompleted {
			return false
		}
	}

	return true
}

// GetReadySteps returns every pending step whose dependencies are all completed.
func (s *Scheduler) GetReadySteps(ctx context.Context, executionID string) ([]*models.ExecutionStep, error) {
	view, err := s.view(ctx, executionID)
	if err != nil {
		return nil, err
	}

	var ready []*models.ExecutionStep

	for _, step := range view.steps {
		if step.Status == models.StepStatusPending && view.satisfied(step.ID) {
			ready = append(ready, step)
		}
	}

	return ready, nil
}

// GetStep returns one step. Without a store it returns nil.
func (s *Scheduler) GetStep(ctx context.Context, stepID string) (*models.ExecutionStep, error) {
	store, ok := s.store.Get()
	if !ok {
		return nil, nil
	}

	return store.GetStep(ctx, stepID)
}

// GetSteps returns every step of an execution.
func (s *Scheduler) GetSteps(ctx context.Context, executionID string) ([]*models.ExecutionStep, error) {
	view, err := s.view(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return view.steps, nil
}

// GetDependents returns the steps that depend on stepID.
func (s *Scheduler) GetDependents(ctx context.Context, stepID string) ([]*models.ExecutionStep, error) {
	step, err := s.GetStep(ctx, stepID)
	if err != nil || step == nil {
		return nil, err
	}

	view, err := s.view(ctx, step.ExecutionID)
	if err != nil {
		return nil, err
	}

	dependents := make([]*models.ExecutionStep, 0, len(view.dependents[stepID]))
	for _, id := range view.dependents[stepID] {
		if dependent, ok := view.byID[id]; ok {
			dependents = append(dependents, dependent)
		}
	}

	return dependents, nil
}

// AreDependenciesSatisfied reports whether every dependency of stepID is completed.
func (s *Scheduler) AreDependenciesSatisfied(ctx context.Context, stepID string) (bool, error) {
	step, err := s.GetStep(ctx, stepID)
	if err != nil || step == nil {
		return false, err
	}

	view, err := s.view(ctx, step.ExecutionID)
	if err != nil {
		return false, err
	}

	return view.satisfied(stepID), nil
}

// AllStepsCompleted reports whether the execution has steps and all of them
// are completed.
func (s *Scheduler) AllStepsCompleted(ctx context.Context, executionID string) (bool, error) {
	view, err := s.view(ctx, executionID)
	if err != nil {
		return false, err
	}

	if len(view.steps) == 0 {
		return false, nil
	}

	for _, step := range view.steps {
		if step.Status != models.StepStatusCompleted {
			return false, nil
		}
	}

	return true, nil
}

// GetStatusCounts counts the steps of an execution per status.
func (s *Scheduler) GetStatusCounts(ctx context.Context, executionID string) (map[models.StepStatus]int, error) {
	view, err := s.view(ctx, executionID)
	if err != nil {
		return nil, err
	}

	counts := make(map[models.StepStatus]int)
	for _, step := range view.steps {
		counts[step.Status]++
	}

	return counts, nil
}

// GetNodeOutputs returns the output of every completed step keyed by node id.
func (s *Scheduler) GetNodeOutputs(ctx context.Context, executionID string) (map[string]map[string]any, error) {
	view, err := s.view(ctx, executionID)
	if err != nil {
		return nil, err
	}

	outputs := make(map[string]map[string]any)

	for _, step := range view.steps {
		if step.Status == models.StepStatusCompleted {
			outputs[step.NodeID] = step.Output
		}
	}

	return outputs, nil
}

// GetDeterministicKeys returns the fingerprints recorded by each step, keyed by node id.
func (s *Scheduler) GetDeterministicKeys(ctx context.Context, executionID string) (map[string]map[string]string, error) {
	view, err := s.view(ctx, executionID)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]map[string]string)

	for _, step := range view.steps {
		if len(step.DeterministicKeys) > 0 {
			keys[step.NodeID] = step.DeterministicKeys
		}
	}

	return keys, nil
}

// StepDetails are the optional payloads recorded with a transition.
type StepDetails struct {
	DeterministicKeys map[string]string
	Metadata          map[string]any
	Logs              []models.StepLog
	Diagnostics       map[string]any
}

func (d StepDetails) apply(step *models.ExecutionStep) {
	if len(d.DeterministicKeys) > 0 {
		if step.DeterministicKeys == nil {
			step.DeterministicKeys = make(map[string]string, len(d.DeterministicKeys))
		}

		for k, v := range d.DeterministicKeys {
			step.DeterministicKeys[k] = v
		}
	}

	step.Metadata = mergeMap(step.Metadata, d.Metadata)
	step.Diagnostics = mergeMap(step.Diagnostics, d.Diagnostics)
	step.Logs = append(step.Logs, d.Logs...)
}

func mergeMap(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}

	if dst == nil {
		dst = make(map[string]any, len(src))
	}

	for k, v := range src {
		dst[k] = v
	}

	return dst
}

// transition loads a step, fires trigger, applies mutate and writes it back
// guarded by the status it was read with.
func (s *Scheduler) transition(
	ctx context.Context,
	stepID string,
	trigger func(step *models.ExecutionStep) (models.StepTrigger, error),
	mutate func(step *models.ExecutionStep, now time.Time),
) (*models.ExecutionStep, error) {
	store, ok := s.store.Get()
	if !ok {
		return nil, nil
	}

	step, err := store.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}

	previous := step.Status

	next, err := trigger(step)
	if err != nil {
		return nil, persistence.NewStepError("Transition", stepID, err)
	}

	if err := step.Fire(ctx, next); err != nil {
		return nil, persistence.NewStepError("Transition", stepID, err)
	}

	now := s.now()
	mutate(step, now)
	step.UpdatedAt = now

	if err := store.UpdateStep(ctx, step, previous); err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "step transitioned",
		"step_id", step.ID,
		"node_id", step.NodeID,
		"from", previous,
		"to", step.Status,
	)

	return step, nil
}

func fixed(trigger models.StepTrigger) func(*models.ExecutionStep) (models.StepTrigger, error) {
	return func(*models.ExecutionStep) (models.StepTrigger, error) { return trigger, nil }
}

// MarkQueued moves a pending step to queued.
func (s *Scheduler) MarkQueued(ctx context.Context, stepID string) (*models.ExecutionStep, error) {
	return s.transition(ctx, stepID, fixed(models.TriggerQueue), func(step *models.ExecutionStep, now time.Time) {
		step.QueuedAt = &now
	})
}

// MarkRunning moves a step to running, counts the attempt and stamps startedAt.
// Without a store it returns nil and no error.
func (s *Scheduler) MarkRunning(ctx context.Context, stepID string) (*models.ExecutionStep, error) {
	return s.transition(ctx, stepID, fixed(models.TriggerRun), func(step *models.ExecutionStep, now time.Time) {
		step.Attempts++
		step.StartedAt = &now
		step.CompletedAt = nil
	})
}

// MarkCompleted records success and clears error and wait data.
func (s *Scheduler) MarkCompleted(
	ctx context.Context,
	stepID string,
	output map[string]any,
	details StepDetails,
) (*models.ExecutionStep, error) {
	return s.transition(ctx, stepID, fixed(models.TriggerComplete), func(step *models.ExecutionStep, now time.Time) {
		step.Output = output
		step.Error = nil
		step.WaitUntil = nil
		step.ResumeState = nil
		step.CompletedAt = &now
		details.apply(step)
	})
}

// MarkFailed records a failure. A non-final failure returns the step to
// pending for another attempt; a final one makes it failed.
func (s *Scheduler) MarkFailed(
	ctx context.Context,
	stepID string,
	stepErr map[string]any,
	finalFailure bool,
	details StepDetails,
) (*models.ExecutionStep, error) {
	trigger := func(step *models.ExecutionStep) (models.StepTrigger, error) {
		switch {
		case finalFailure:
			return models.TriggerFail, nil
		case step.Status == models.StepStatusRunning:
			return models.TriggerRetry, nil
		case step.Status == models.StepStatusCompleted:
			return "", fmt.Errorf("%w: retry from %s", models.ErrInvalidTransition, step.Status)
		default:
			return models.TriggerReset, nil
		}
	}

	return s.transition(ctx, stepID, trigger, func(step *models.ExecutionStep, now time.Time) {
		step.Error = stepErr
		step.WaitUntil = nil

		if finalFailure {
			step.CompletedAt = &now
		} else {
			step.StartedAt = nil
		}

		details.apply(step)
	})
}

// MarkWaiting parks a running step until waitUntil passes or a resume with
// the matching state arrives.
func (s *Scheduler) MarkWaiting(
	ctx context.Context,
	stepID string,
	waitUntil *time.Time,
	resumeState map[string]any,
	metadata map[string]any,
) (*models.ExecutionStep, error) {
	if waitUntil == nil && len(resumeState) == 0 {
		return nil, persistence.NewStepError("MarkWaiting", stepID, ErrWaitConditionRequired)
	}

	return s.transition(ctx, stepID, fixed(models.TriggerWait), func(step *models.ExecutionStep, _ time.Time) {
		if waitUntil != nil {
			until := waitUntil.UTC()
			step.WaitUntil = &until
		}

		step.ResumeState = resumeState
		step.Metadata = mergeMap(step.Metadata, metadata)
	})
}

// Resume returns a waiting step to pending when payload matches the state it
// was parked with: the "token" entry when the state carries one, otherwise
// the whole state. The payload is exposed to the next attempt as input.resume.
func (s *Scheduler) Resume(ctx context.Context, stepID string, payload map[string]any) (*models.ExecutionStep, error) {
	trigger := func(step *models.ExecutionStep) (models.StepTrigger, error) {
		if step.Status == models.StepStatusWaiting && !resumeMatches(step.ResumeState, payload) {
			return "", ErrResumeStateMismatch
		}

		return models.TriggerResume, nil
	}

	return s.transition(ctx, stepID, trigger, func(step *models.ExecutionStep, _ time.Time) {
		step.WaitUntil = nil
		step.StartedAt = nil
		step.Input = mergeMap(step.Input, map[string]any{"resume": payload})
	})
}

func resumeMatches(state, payload map[string]any) bool {
	if token, ok := state["token"]; ok {
		return sameJSON(token, payload["token"])
	}

	return sameJSON(state, payload)
}

func sameJSON(a, b any) bool {
	left, errA := json.Marshal(a)
	right, errB := json.Marshal(b)

	return errA == nil && errB == nil && bytes.Equal(left, right)
}

// ResetForRetry returns a step to pending for a replay without counting an
// attempt, clearing its run timestamps and resume data.
func (s *Scheduler) ResetForRetry(ctx context.Context, stepID string) (*models.ExecutionStep, error) {
	return s.transition(ctx, stepID, fixed(models.TriggerReset), func(step *models.ExecutionStep, _ time.Time) {
		step.QueuedAt = nil
		step.StartedAt = nil
		step.CompletedAt = nil
		step.WaitUntil = nil
		step.ResumeState = nil
	})
}

// ExpireWaiting fails every waiting step whose wait deadline is at or before now.
func (s *Scheduler) ExpireWaiting(ctx context.Context, now time.Time, limit int) ([]*models.ExecutionStep, error) {
	store, ok := s.store.Get()
	if !ok {
		return nil, nil
	}

	steps, err := store.ListWaitingExpired(ctx, now, limit)
	if err != nil {
		return nil, err
	}

	expired := make([]*models.ExecutionStep, 0, len(steps))

	for _, waiting := range steps {
		stepErr := map[string]any{
			"code":       WaitExpiredCode,
			"message":    "wait deadline passed without resume",
			"wait_until": waiting.WaitUntil,
		}

		step, err := s.MarkFailed(ctx, waiting.ID, stepErr, true, StepDetails{})
		if err != nil {
			if persistence.IsStepConflict(err) {
				// Resumed or expired by someone else in the meantime.
				continue
			}

			return expired, err
		}

		s.logger.WarnContext(ctx, "waiting step expired", "step_id", step.ID, "execution_id", step.ExecutionID)
		expired = append(expired, step)
	}

	return expired, nil
}

func (s *Scheduler) now() time.Time {
	return s.clock.Now().UTC()
}

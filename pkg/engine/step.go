package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/conductor/pkg/events"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/otelhelper"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/protocol"
	"github.com/dukex/conductor/pkg/retry"
	"github.com/dukex/conductor/pkg/scheduler"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Step error codes.
const (
	CodeInvalidNode   = "invalid_node"
	CodeStepFailed    = "step_failed"
	CodeInvalidResult = "invalid_result"
	CodeStalled       = "stalled"
)

// stepOutcome is what the idempotency cache stores for a step.
type stepOutcome struct {
	Output            map[string]any    `json:"output,omitempty"`
	Wait              *waitOutcome      `json:"wait,omitempty"`
	DeterministicKeys map[string]string `json:"deterministic_keys,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
	Logs              []models.StepLog  `json:"logs,omitempty"`
}

type waitOutcome struct {
	Until       *time.Time     `json:"until,omitempty"`
	ResumeState map[string]any `json:"resume_state,omitempty"`
}

func newStepOutcome(result protocol.NodeResult) stepOutcome {
	outcome := stepOutcome{
		Output:            result.Output,
		DeterministicKeys: result.DeterministicKeys,
		Metadata:          result.Metadata,
		Logs:              result.Logs,
	}

	if result.Wait != nil {
		outcome.Wait = &waitOutcome{Until: result.Wait.Until, ResumeState: result.Wait.ResumeState}
	}

	return outcome
}

// runStep claims a ready step, executes its node with retries and records the
// outcome. It returns an error only when the step store fails; node failures
// are recorded on the step.
func (e *Engine) runStep(ctx context.Context, execution *models.Execution, step *models.ExecutionStep) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.step",
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.StepIDKey, step.ID),
		attribute.String(otelhelper.NodeIDKey, step.NodeID),
	)
	defer span.End()

	logger := e.logger.With("execution_id", execution.ID, "step_id", step.ID, "node_id", step.NodeID)

	node, ok := execution.Graph.NodeByID(step.NodeID)
	if !ok {
		return e.rejectStep(ctx, span, step, fmt.Errorf("node %s is not part of the graph", step.NodeID))
	}

	span.SetAttributes(attribute.String(otelhelper.NodeTypeKey, node.Type))

	runner, err := e.registry.CreateNode(ctx, node.Type, node.ID, node.Config)
	if err != nil {
		return e.rejectStep(ctx, span, step, err)
	}

	if _, err := e.scheduler.MarkQueued(ctx, step.ID); err != nil {
		if persistence.IsStepConflict(err) {
			logger.DebugContext(ctx, "step claimed elsewhere")

			return nil
		}

		return err
	}

	running, err := e.scheduler.MarkRunning(ctx, step.ID)
	if err != nil {
		return err
	}

	// Without a step store transitions are not recorded.
	if running == nil {
		unrecorded := *step
		unrecorded.Attempts++
		running = &unrecorded
	}

	inputs, err := e.scheduler.GetNodeOutputs(ctx, execution.ID)
	if err != nil {
		return err
	}

	resume, _ := running.Input["resume"].(map[string]any)

	maxAttempts := e.maxAttempts
	if running.MaxAttempts != nil {
		maxAttempts = *running.MaxAttempts
	}

	firstAttempt := running.Attempts
	started := e.clock.Now()

	uow := func(ctx context.Context, attempt int) (any, error) {
		e.metrics.StepsInFlightIncr()
		defer e.metrics.StepsInFlightDecr()

		result, err := runner.Execute(ctx, protocol.NodeInput{
			ExecutionID:    execution.ID,
			WorkflowID:     execution.WorkflowID,
			OrganizationID: execution.OrganizationID,
			StepID:         step.ID,
			NodeID:         node.ID,
			Attempt:        firstAttempt + attempt - 1,
			Variables:      execution.Input,
			Inputs:         inputs,
			Resume:         resume,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}

		return newStepOutcome(result), nil
	}

	result, err := e.retry.ExecuteWithRetry(ctx, node.ID, execution.ID, uow, retry.Options{
		IdempotencyKey: idempotencyKey(node, resume),
		Retries:        max(0, maxAttempts-firstAttempt),
		Backoff:        e.backoff,
		OnRetry: func(ctx context.Context, _ int, cause error, _ time.Duration) {
			if _, err := e.scheduler.MarkFailed(ctx, step.ID, stepError(CodeStepFailed, cause), false, scheduler.StepDetails{}); err != nil {
				logger.WarnContext(ctx, "failed to record attempt failure", "error", err)
			}

			if _, err := e.scheduler.MarkRunning(ctx, step.ID); err != nil {
				logger.WarnContext(ctx, "failed to restart step", "error", err)
			}
		},
	})
	if err != nil {
		if isContextDone(ctx, err) {
			return ctx.Err()
		}

		e.metrics.StepFinished(string(models.StepStatusFailed), e.clock.Since(started))
		otelhelper.SetError(span, err)

		return e.exhaustStep(ctx, execution, step, err)
	}

	var outcome stepOutcome
	if err := json.Unmarshal(result.Data, &outcome); err != nil {
		_, markErr := e.scheduler.MarkFailed(ctx, step.ID, stepError(CodeInvalidResult, err), true, scheduler.StepDetails{})

		return markErr
	}

	details := scheduler.StepDetails{
		DeterministicKeys: outcome.DeterministicKeys,
		Metadata:          outcome.Metadata,
		Logs:              outcome.Logs,
		Diagnostics: map[string]any{
			"cached":      result.Cached,
			"result_hash": result.Hash,
		},
	}

	if outcome.Wait != nil {
		if _, err := e.scheduler.MarkWaiting(ctx, step.ID, outcome.Wait.Until, outcome.Wait.ResumeState, outcome.Metadata); err != nil {
			if errors.Is(err, scheduler.ErrWaitConditionRequired) {
				_, markErr := e.scheduler.MarkFailed(ctx, step.ID, stepError(CodeInvalidResult, err), true, details)

				return markErr
			}

			return err
		}

		e.metrics.StepFinished(string(models.StepStatusWaiting), e.clock.Since(started))
		logger.InfoContext(ctx, "step waiting", "wait_until", outcome.Wait.Until)

		return nil
	}

	if _, err := e.scheduler.MarkCompleted(ctx, step.ID, outcome.Output, details); err != nil {
		return err
	}

	e.metrics.StepFinished(string(models.StepStatusCompleted), e.clock.Since(started))
	logger.DebugContext(ctx, "step completed", "cached", result.Cached)

	return nil
}

// rejectStep fails a step that cannot run at all. Replaying it would not help,
// so it is not dead-lettered.
func (e *Engine) rejectStep(ctx context.Context, span trace.Span, step *models.ExecutionStep, cause error) error {
	otelhelper.SetError(span, cause)
	e.logger.WarnContext(ctx, "step cannot run", "step_id", step.ID, "node_id", step.NodeID, "error", cause)

	_, err := e.scheduler.MarkFailed(ctx, step.ID, stepError(CodeInvalidNode, cause), true, scheduler.StepDetails{})

	return err
}

// exhaustStep records the final failure and moves the step to the dead-letter store.
func (e *Engine) exhaustStep(ctx context.Context, execution *models.Execution, step *models.ExecutionStep, err error) error {
	cause := err

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		cause = exhausted.Err
	}

	failed, markErr := e.scheduler.MarkFailed(ctx, step.ID, stepError(CodeStepFailed, cause), true, scheduler.StepDetails{})
	if markErr != nil {
		return markErr
	}

	if failed == nil {
		failed = step
	}

	payload, encodeErr := json.Marshal(map[string]any{
		"node_id": failed.NodeID,
		"input":   failed.Input,
		"error":   failed.Error,
	})
	if encodeErr != nil {
		payload = nil
	}

	item := &models.DeadLetter{
		ExecutionID:    execution.ID,
		StepID:         failed.ID,
		NodeID:         failed.NodeID,
		OrganizationID: execution.OrganizationID,
		Error:          cause.Error(),
		Attempts:       failed.Attempts,
		Payload:        payload,
	}

	if err := e.retry.DeadLetter(ctx, item); err != nil {
		e.logger.ErrorContext(ctx, "failed to dead-letter step", "step_id", step.ID, "error", err)

		return nil
	}

	if item.ID == "" {
		return nil
	}

	e.publish(ctx, execution.ID, events.StepDeadLettered{
		BaseEvent:    e.baseEvent(events.StepDeadLetteredEvent, execution),
		DeadLetterID: item.ID,
		StepID:       item.StepID,
		NodeID:       item.NodeID,
		Attempts:     item.Attempts,
		Error:        item.Error,
	})

	return nil
}

// idempotencyKey scopes the node's key to one resume so the parked outcome of
// the first run is not served after the step wakes up.
func idempotencyKey(node *models.Node, resume map[string]any) string {
	if node.IdempotencyKey == "" {
		return ""
	}

	if resume == nil {
		return node.IdempotencyKey
	}

	if token, ok := resume["token"].(string); ok && token != "" {
		return node.IdempotencyKey + ":resume:" + token
	}

	return node.IdempotencyKey + ":resume"
}

func stepError(code string, err error) map[string]any {
	return map[string]any{
		"code":    code,
		"message": err.Error(),
	}
}

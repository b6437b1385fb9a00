package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dukex/conductor/pkg/events"
	"github.com/dukex/conductor/pkg/lock"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/otelhelper"
	"github.com/dukex/conductor/pkg/scheduler"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const lockAttempts = 20

// LockResource is the lock serializing scheduling passes of one execution.
func LockResource(executionID string) string {
	return "scheduler:tick:" + executionID
}

func (e *Engine) lockExecution(ctx context.Context, executionID string) (*lock.Handle, error) {
	resource := LockResource(executionID)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second

	handle, err := backoff.Retry(ctx, func() (*lock.Handle, error) {
		if handle := e.locks.AcquireLock(ctx, resource, e.lockTTL); handle != nil {
			return handle, nil
		}

		return nil, ErrExecutionBusy
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(lockAttempts))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutionBusy, executionID)
	}

	return handle, nil
}

// keepLock extends handle every third of the lock TTL until the returned stop
// func is called. A lost lock is only logged: MarkQueued still refuses a step
// another driver already claimed.
func (e *Engine) keepLock(ctx context.Context, handle *lock.Handle) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	ticker := e.clock.NewTicker(max(e.lockTTL/3, time.Millisecond))
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if err := handle.Extend(ctx, e.lockTTL); err != nil && ctx.Err() == nil {
					e.logger.WarnContext(ctx, "failed to extend execution lock", "resource", handle.Resource, "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Start initializes the steps of an admitted execution, if that has not
// happened yet, and drives it. Redelivered admissions are harmless.
func (e *Engine) Start(ctx context.Context, executionID string) error {
	handle, err := e.lockExecution(ctx, executionID)
	if err != nil {
		return err
	}
	defer handle.Release(ctx)

	stop := e.keepLock(ctx, handle)
	defer stop()

	execution, err := e.executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.Status.IsTerminal() {
		return nil
	}

	steps, err := e.scheduler.GetSteps(ctx, executionID)
	if err != nil {
		return err
	}

	if len(steps) == 0 {
		result, err := e.scheduler.Initialize(ctx, scheduler.Initialization{
			ExecutionID:    execution.ID,
			WorkflowID:     execution.WorkflowID,
			OrganizationID: execution.OrganizationID,
			Graph:          execution.Graph,
			MaxAttempts:    execution.MaxAttempts,
		})
		if err != nil {
			e.finish(ctx, execution, models.ExecutionStatusFailed, "", "initialization failed: "+err.Error())

			return nil
		}

		for _, warning := range result.Warnings {
			e.logger.WarnContext(ctx, "graph warning", "execution_id", executionID, "warning", warning)
		}
	}

	if execution.Status == models.ExecutionStatusQueued {
		now := e.now()
		execution.Status = models.ExecutionStatusRunning
		execution.StartedAt = &now

		if err := e.executions.SaveExecution(ctx, execution); err != nil {
			return fmt.Errorf("failed to mark execution %s running: %w", executionID, err)
		}
	}

	return e.drive(ctx, execution)
}

// Drive runs every ready step of an initialized execution until none is left.
func (e *Engine) Drive(ctx context.Context, executionID string) error {
	handle, err := e.lockExecution(ctx, executionID)
	if err != nil {
		return err
	}
	defer handle.Release(ctx)

	stop := e.keepLock(ctx, handle)
	defer stop()

	execution, err := e.executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.Status.IsTerminal() {
		return nil
	}

	if execution.Status == models.ExecutionStatusWaiting {
		execution.Status = models.ExecutionStatusRunning

		if err := e.executions.SaveExecution(ctx, execution); err != nil {
			return fmt.Errorf("failed to mark execution %s running: %w", executionID, err)
		}
	}

	return e.drive(ctx, execution)
}

// drive must run under the execution lock.
func (e *Engine) drive(ctx context.Context, execution *models.Execution) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.drive",
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.WorkerIDKey, e.workerID),
	)
	defer span.End()

	// A step that comes back to pending after running, through a resume or a
	// replay, carries a higher attempt count and is picked up again.
	type run struct {
		stepID   string
		attempts int
	}

	attempted := make(map[run]bool)

	for {
		ready, err := e.scheduler.GetReadySteps(ctx, execution.ID)
		if err != nil {
			otelhelper.SetError(span, err)

			return err
		}

		batch := ready[:0]

		for _, step := range ready {
			key := run{stepID: step.ID, attempts: step.Attempts}
			if !attempted[key] {
				attempted[key] = true
				batch = append(batch, step)
			}
		}

		if len(batch) == 0 {
			break
		}

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(e.concurrency)

		for _, step := range batch {
			group.Go(func() error {
				return e.runStep(groupCtx, execution, step)
			})
		}

		if err := group.Wait(); err != nil {
			otelhelper.SetError(span, err)

			return err
		}
	}

	return e.settle(ctx, execution)
}

// settle derives the execution status from its steps once nothing is ready.
func (e *Engine) settle(ctx context.Context, execution *models.Execution) error {
	steps, err := e.scheduler.GetSteps(ctx, execution.ID)
	if err != nil {
		return err
	}

	counts := make(map[models.StepStatus]int)

	var failed *models.ExecutionStep

	for _, step := range steps {
		counts[step.Status]++

		if step.Status == models.StepStatusFailed && failed == nil {
			failed = step
		}
	}

	switch {
	case failed != nil:
		e.finish(ctx, execution, models.ExecutionStatusFailed, failed.NodeID, stepErrorMessage(failed))
	case counts[models.StepStatusCompleted] == len(steps):
		e.finish(ctx, execution, models.ExecutionStatusCompleted, "", "")
	case counts[models.StepStatusWaiting] > 0 || counts[models.StepStatusRunning] > 0 || counts[models.StepStatusQueued] > 0:
		if execution.Status != models.ExecutionStatusWaiting {
			execution.Status = models.ExecutionStatusWaiting

			if err := e.executions.SaveExecution(ctx, execution); err != nil {
				return fmt.Errorf("failed to mark execution %s waiting: %w", execution.ID, err)
			}
		}

		e.logger.InfoContext(ctx, "execution parked",
			"execution_id", execution.ID,
			"waiting", counts[models.StepStatusWaiting],
			"in_flight", counts[models.StepStatusRunning]+counts[models.StepStatusQueued],
		)
	default:
		ready, err := e.scheduler.GetReadySteps(ctx, execution.ID)
		if err != nil {
			return err
		}

		// A step became ready after the last pass; hand it to the next drive.
		if len(ready) > 0 {
			e.logger.InfoContext(ctx, "steps became ready while settling", "execution_id", execution.ID, "ready", len(ready))

			return e.requestDrive(ctx, execution, events.DriveReasonResume, ready[0].ID)
		}

		e.finish(ctx, execution, models.ExecutionStatusFailed, "", "execution stalled with pending steps")
	}

	return nil
}

// finish records a terminal status, releases admission and announces the outcome.
func (e *Engine) finish(ctx context.Context, execution *models.Execution, status models.ExecutionStatus, nodeID, reason string) {
	now := e.now()
	execution.Status = status
	execution.Error = reason
	execution.CompletedAt = &now

	if err := e.executions.SaveExecution(ctx, execution); err != nil {
		e.logger.ErrorContext(ctx, "failed to save finished execution", "execution_id", execution.ID, "error", err)
	}

	e.admission.Release(ctx, execution)

	var duration time.Duration
	if execution.StartedAt != nil {
		duration = now.Sub(*execution.StartedAt)
	}

	var event any

	switch status {
	case models.ExecutionStatusCompleted:
		outputs, err := e.scheduler.GetNodeOutputs(ctx, execution.ID)
		if err != nil {
			e.logger.WarnContext(ctx, "failed to collect outputs", "execution_id", execution.ID, "error", err)
		}

		event = events.ExecutionCompleted{
			BaseEvent: e.baseEvent(events.ExecutionCompletedEvent, execution),
			Outputs:   outputs,
			Duration:  duration,
		}

		e.logger.InfoContext(ctx, "execution completed", "execution_id", execution.ID, "duration", duration)
	default:
		event = events.ExecutionFailed{
			BaseEvent: e.baseEvent(events.ExecutionFailedEvent, execution),
			NodeID:    nodeID,
			Error:     reason,
			Duration:  duration,
		}

		e.logger.WarnContext(ctx, "execution failed", "execution_id", execution.ID, "node_id", nodeID, "error", reason)
	}

	e.publish(ctx, execution.ID, event)
}

func (e *Engine) baseEvent(eventType events.EventType, execution *models.Execution) events.BaseEvent {
	base := events.NewBaseEvent(eventType, execution.ID, execution.OrganizationID)
	base.WorkerID = e.workerID

	return base
}

func (e *Engine) publish(ctx context.Context, key string, event any) {
	typed, ok := event.(interface{ GetType() events.EventType })
	if !ok {
		return
	}

	if err := e.publisher.Publish(ctx, key, typed); err != nil {
		e.logger.WarnContext(ctx, "failed to publish event", "event_type", typed.GetType(), "key", key, "error", err)
	}
}

func (e *Engine) requestDrive(ctx context.Context, execution *models.Execution, reason, stepID string) error {
	event := events.ExecutionDriveRequested{
		BaseEvent: e.baseEvent(events.ExecutionDriveRequestedEvent, execution),
		Reason:    reason,
		StepID:    stepID,
	}

	if err := e.publisher.Publish(ctx, execution.ID, event); err != nil {
		return fmt.Errorf("failed to request drive of execution %s: %w", execution.ID, err)
	}

	return nil
}

func stepErrorMessage(step *models.ExecutionStep) string {
	if message, ok := step.Error["message"].(string); ok && message != "" {
		return fmt.Sprintf("step %s failed: %s", step.NodeID, message)
	}

	return fmt.Sprintf("step %s failed", step.NodeID)
}

func isContextDone(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/conductor/pkg/events"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/scheduler"
)

// Resume wakes a waiting step with payload and asks a worker to continue the
// execution.
func (e *Engine) Resume(ctx context.Context, stepID string, payload map[string]any) (*models.ExecutionStep, error) {
	step, err := e.scheduler.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}

	execution, err := e.executions.GetExecution(ctx, step.ExecutionID)
	if err != nil {
		return nil, err
	}

	if execution.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrExecutionFinished, execution.ID, execution.Status)
	}

	resumed, err := e.scheduler.Resume(ctx, stepID, payload)
	if err != nil {
		return nil, err
	}

	if err := e.requestDrive(ctx, execution, events.DriveReasonResume, stepID); err != nil {
		return resumed, err
	}

	e.logger.InfoContext(ctx, "step resumed", "step_id", stepID, "execution_id", execution.ID)

	return resumed, nil
}

// ExpireWaiting fails waiting steps whose deadline passed and asks a worker to
// settle each affected execution. It returns the number of expired steps.
func (e *Engine) ExpireWaiting(ctx context.Context, limit int) (int, error) {
	expired, err := e.scheduler.ExpireWaiting(ctx, e.now(), limit)
	if err != nil && len(expired) == 0 {
		return 0, err
	}

	seen := make(map[string]bool)

	for _, step := range expired {
		if seen[step.ExecutionID] {
			continue
		}

		seen[step.ExecutionID] = true

		execution, getErr := e.executions.GetExecution(ctx, step.ExecutionID)
		if getErr != nil {
			e.logger.WarnContext(ctx, "expired step without execution", "step_id", step.ID, "error", getErr)

			continue
		}

		if driveErr := e.requestDrive(ctx, execution, events.DriveReasonExpiry, step.ID); driveErr != nil {
			e.logger.WarnContext(ctx, "failed to request drive after expiry", "execution_id", execution.ID, "error", driveErr)
		}
	}

	return len(expired), err
}

// ReplayDeadLetter resets a dead-lettered step to pending and asks a worker to
// drive its execution again. A failed execution is admitted again first;
// the dead letter stays in place when that is rejected.
func (e *Engine) ReplayDeadLetter(ctx context.Context, deadLetterID string) error {
	return e.retry.ReplayFromDLQ(ctx, deadLetterID, e.replay)
}

// ReplayScheduled replays up to limit dead letters flagged for automatic replay.
func (e *Engine) ReplayScheduled(ctx context.Context, limit int) (int, error) {
	return e.retry.ReplayScheduled(ctx, limit, e.replay)
}

func (e *Engine) replay(ctx context.Context, item *models.DeadLetter) error {
	handle, err := e.lockExecution(ctx, item.ExecutionID)
	if err != nil {
		return err
	}
	defer handle.Release(ctx)

	execution, err := e.executions.GetExecution(ctx, item.ExecutionID)
	if err != nil {
		return err
	}

	readmitted := false

	if execution.Status.IsTerminal() {
		if err := e.admission.Admit(ctx, execution); err != nil {
			return err
		}

		readmitted = true
	}

	if _, err := e.scheduler.ResetForRetry(ctx, item.StepID); err != nil {
		if readmitted {
			e.admission.Release(ctx, execution)
		}

		return err
	}

	execution.Status = models.ExecutionStatusRunning
	execution.Error = ""
	execution.CompletedAt = nil

	if err := e.executions.SaveExecution(ctx, execution); err != nil {
		return fmt.Errorf("failed to reopen execution %s: %w", execution.ID, err)
	}

	return e.requestDrive(ctx, execution, events.DriveReasonReplay, item.StepID)
}

// Cleanup removes expired idempotency records.
func (e *Engine) Cleanup(ctx context.Context) (int64, error) {
	return e.retry.Cleanup(ctx)
}

// RecoverStalled re-drives executions a crashed worker left behind. Queued
// executions older than staleAfter are published again; steps of running or
// waiting executions stuck in queued or running for longer than staleAfter
// go back to pending. Executions whose lock is held are skipped.
func (e *Engine) RecoverStalled(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	cutoff := e.now().Add(-staleAfter)
	recovered := 0

	statuses := []models.ExecutionStatus{
		models.ExecutionStatusQueued,
		models.ExecutionStatusRunning,
		models.ExecutionStatusWaiting,
	}

	for _, status := range statuses {
		executions, err := e.executions.ListExecutions(ctx, persistence.ExecutionFilter{Status: status, Limit: limit})
		if err != nil {
			return recovered, err
		}

		for _, execution := range executions {
			ok, err := e.recoverExecution(ctx, execution, cutoff)
			if err != nil {
				e.logger.WarnContext(ctx, "failed to recover execution", "execution_id", execution.ID, "error", err)

				continue
			}

			if ok {
				recovered++
			}
		}
	}

	return recovered, nil
}

func (e *Engine) recoverExecution(ctx context.Context, execution *models.Execution, cutoff time.Time) (bool, error) {
	if execution.Status == models.ExecutionStatusQueued {
		if execution.CreatedAt.After(cutoff) {
			return false, nil
		}

		event := events.ExecutionAdmitted{
			BaseEvent:  e.baseEvent(events.ExecutionAdmittedEvent, execution),
			WorkflowID: execution.WorkflowID,
		}

		return true, e.publisher.Publish(ctx, execution.ID, event)
	}

	handle := e.locks.AcquireLock(ctx, LockResource(execution.ID), e.lockTTL)
	if handle == nil {
		return false, nil
	}
	defer handle.Release(ctx)

	steps, err := e.scheduler.GetSteps(ctx, execution.ID)
	if err != nil {
		return false, err
	}

	reset := 0

	for _, step := range steps {
		if !stalled(step, cutoff) {
			continue
		}

		stepErr := map[string]any{"code": CodeStalled, "message": "step abandoned by its worker"}
		if _, err := e.scheduler.MarkFailed(ctx, step.ID, stepErr, false, scheduler.StepDetails{}); err != nil {
			return false, err
		}

		reset++
	}

	if reset == 0 {
		return false, nil
	}

	e.logger.WarnContext(ctx, "stalled steps reset", "execution_id", execution.ID, "steps", reset)

	return true, e.requestDrive(ctx, execution, events.DriveReasonReplay, "")
}

func stalled(step *models.ExecutionStep, cutoff time.Time) bool {
	switch step.Status {
	case models.StepStatusRunning:
		return step.StartedAt != nil && step.StartedAt.Before(cutoff)
	case models.StepStatusQueued:
		return step.QueuedAt != nil && step.QueuedAt.Before(cutoff)
	default:
		return false
	}
}

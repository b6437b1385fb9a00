package models

import (
	"context"
	"errors"
	"fmt"

	"github.com/qmuntal/stateless"
)

// StepTrigger names an event that moves an ExecutionStep between statuses.
type StepTrigger string

const (
	TriggerQueue    StepTrigger = "queue"
	TriggerRun      StepTrigger = "run"
	TriggerComplete StepTrigger = "complete"
	TriggerWait     StepTrigger = "wait"
	TriggerRetry    StepTrigger = "retry"
	TriggerFail     StepTrigger = "fail"
	TriggerResume   StepTrigger = "resume"
	TriggerReset    StepTrigger = "reset"
)

// ErrInvalidTransition is returned when a trigger is not permitted from the
// current step status.
var ErrInvalidTransition = errors.New("invalid step transition")

// stepMachine builds the step lifecycle graph over an externally stored
// status value.
func stepMachine(current *StepStatus) *stateless.StateMachine {
	machine := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return *current, nil
		},
		func(_ context.Context, state stateless.State) error {
			status, ok := state.(StepStatus)
			if !ok {
				return fmt.Errorf("unexpected state type %T", state)
			}

			*current = status

			return nil
		},
		stateless.FiringImmediate,
	)

	machine.Configure(StepStatusPending).
		Permit(TriggerQueue, StepStatusQueued).
		Permit(TriggerRun, StepStatusRunning).
		Permit(TriggerFail, StepStatusFailed).
		PermitReentry(TriggerReset)

	machine.Configure(StepStatusQueued).
		Permit(TriggerRun, StepStatusRunning).
		Permit(TriggerFail, StepStatusFailed).
		Permit(TriggerReset, StepStatusPending)

	machine.Configure(StepStatusRunning).
		Permit(TriggerComplete, StepStatusCompleted).
		Permit(TriggerWait, StepStatusWaiting).
		Permit(TriggerRetry, StepStatusPending).
		Permit(TriggerFail, StepStatusFailed).
		Permit(TriggerReset, StepStatusPending)

	machine.Configure(StepStatusWaiting).
		Permit(TriggerResume, StepStatusPending).
		Permit(TriggerFail, StepStatusFailed).
		Permit(TriggerReset, StepStatusPending)

	machine.Configure(StepStatusCompleted).
		Permit(TriggerReset, StepStatusPending)

	machine.Configure(StepStatusFailed).
		Permit(TriggerReset, StepStatusPending)

	return machine
}

// NextStatus returns the status a step in status from moves to when trigger
// fires, or ErrInvalidTransition.
func NextStatus(ctx context.Context, from StepStatus, trigger StepTrigger) (StepStatus, error) {
	current := from
	machine := stepMachine(&current)

	if err := machine.FireCtx(ctx, trigger); err != nil {
		return from, fmt.Errorf("%w: %s from %s: %v", ErrInvalidTransition, trigger, from, err)
	}

	return current, nil
}

// Fire applies trigger to the step, updating its Status in place.
func (s *ExecutionStep) Fire(ctx context.Context, trigger StepTrigger) error {
	next, err := NextStatus(ctx, s.Status, trigger)
	if err != nil {
		return err
	}

	s.Status = next

	return nil
}

// IsTerminal reports whether the step finished its current attempt for good.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

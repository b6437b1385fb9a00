package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukex/conductor/pkg/eventbus"
	"github.com/dukex/conductor/pkg/events"
	"golang.org/x/sync/errgroup"
)

// Worker consumes the execution queue and drives executions, at most
// concurrency at a time. Once that many are in flight the consumer stops
// taking messages until one finishes.
type Worker struct {
	id     string
	logger *slog.Logger
	engine *Engine
	bus    eventbus.EventSubscriber
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

func NewWorker(logger *slog.Logger, id string, engine *Engine, bus eventbus.EventSubscriber, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	group := &errgroup.Group{}
	group.SetLimit(concurrency)

	return &Worker{
		id:     id,
		logger: logger.With("module", "worker", "worker_id", id),
		engine: engine,
		bus:    bus,
		group:  group,
	}
}

// Start registers the queue handlers and begins consuming.
func (w *Worker) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	if err := w.bus.Handle(events.ExecutionAdmittedEvent, w.handleAdmitted); err != nil {
		return err
	}

	if err := w.bus.Handle(events.ExecutionDriveRequestedEvent, w.handleDriveRequested); err != nil {
		return err
	}

	if err := w.bus.Subscribe(w.ctx); err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "worker started")

	return nil
}

// Stop cancels in-flight drives and waits for them to return.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}

	_ = w.group.Wait()

	w.logger.Info("worker stopped")
}

func (w *Worker) handleAdmitted(ctx context.Context, event any) error {
	admitted, ok := event.(*events.ExecutionAdmitted)
	if !ok {
		w.logger.ErrorContext(ctx, "unexpected event for execution.admitted", "event", event)

		return nil
	}

	w.logger.DebugContext(ctx, "execution admitted", "execution_id", admitted.ExecutionID, "event_id", admitted.ID)

	w.dispatch(admitted.ExecutionID, w.engine.Start)

	return nil
}

func (w *Worker) handleDriveRequested(ctx context.Context, event any) error {
	requested, ok := event.(*events.ExecutionDriveRequested)
	if !ok {
		w.logger.ErrorContext(ctx, "unexpected event for execution.drive_requested", "event", event)

		return nil
	}

	w.logger.DebugContext(ctx, "drive requested",
		"execution_id", requested.ExecutionID,
		"reason", requested.Reason,
		"step_id", requested.StepID,
	)

	w.dispatch(requested.ExecutionID, w.engine.Drive)

	return nil
}

func (w *Worker) dispatch(executionID string, run func(ctx context.Context, executionID string) error) {
	w.group.Go(func() error {
		err := run(w.ctx, executionID)

		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			w.logger.Info("drive interrupted by shutdown", "execution_id", executionID)
		case errors.Is(err, ErrExecutionBusy):
			w.logger.Info("execution busy, left to its current driver", "execution_id", executionID)
		default:
			w.logger.Error("failed to drive execution", "execution_id", executionID, "error", err)
		}

		return nil
	})
}

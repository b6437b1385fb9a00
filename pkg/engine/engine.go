// Package engine drives executions: it admits them at the enqueue boundary,
// consumes the execution queue and runs ready steps under the per-execution
// lock until the execution completes, fails or parks on a waiting step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conductor/pkg/admission"
	"github.com/dukex/conductor/pkg/eventbus"
	"github.com/dukex/conductor/pkg/events"
	"github.com/dukex/conductor/pkg/lock"
	"github.com/dukex/conductor/pkg/metrics"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/otelhelper"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/registry"
	"github.com/dukex/conductor/pkg/retry"
	"github.com/dukex/conductor/pkg/scheduler"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultConcurrency = 8
	DefaultMaxAttempts = 3
	DefaultLockTTL     = 2 * time.Minute
)

var (
	ErrInvalidGraph      = errors.New("invalid execution graph")
	ErrExecutionBusy     = errors.New("execution is being driven elsewhere")
	ErrExecutionFinished = errors.New("execution already finished")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Options wire an Engine. Scheduler, Executions, Admission, Locks, Retry,
// Registry and Publisher are required.
type Options struct {
	Scheduler  *scheduler.Scheduler
	Executions persistence.ExecutionRepository
	Admission  *admission.Controller
	Locks      *lock.Service
	Retry      *retry.Manager
	Registry   *registry.Registry
	Publisher  eventbus.EventPublisher
	Clock      clockwork.Clock
	Metrics    metrics.Sink
	Tracer     trace.Tracer

	// Concurrency bounds how many ready steps of one execution run at once.
	Concurrency int
	// MaxAttempts applies to nodes that set no retries of their own.
	MaxAttempts int
	Backoff     *retry.Backoff
	LockTTL     time.Duration
	WorkerID    string
}

type Engine struct {
	logger     *slog.Logger
	scheduler  *scheduler.Scheduler
	executions persistence.ExecutionRepository
	admission  *admission.Controller
	locks      *lock.Service
	retry      *retry.Manager
	registry   *registry.Registry
	publisher  eventbus.EventPublisher
	clock      clockwork.Clock
	metrics    metrics.Sink
	tracer     trace.Tracer

	concurrency int
	maxAttempts int
	backoff     *retry.Backoff
	lockTTL     time.Duration
	workerID    string
}

func New(logger *slog.Logger, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopSink()
	}

	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}

	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}

	return &Engine{
		logger:      logger.With("module", "engine"),
		scheduler:   opts.Scheduler,
		executions:  opts.Executions,
		admission:   opts.Admission,
		locks:       opts.Locks,
		retry:       opts.Retry,
		registry:    opts.Registry,
		publisher:   opts.Publisher,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		tracer:      otelhelper.Tracer(opts.Tracer),
		concurrency: opts.Concurrency,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		lockTTL:     opts.LockTTL,
		workerID:    opts.WorkerID,
	}
}

// EnqueueRequest asks for one run of a workflow graph.
type EnqueueRequest struct {
	WorkflowID     string         `json:"workflow_id"     validate:"required"`
	OrganizationID string         `json:"organization_id" validate:"required"`
	Graph          *models.Graph  `json:"graph"           validate:"required"`
	MaxAttempts    *int           `json:"max_attempts,omitempty" validate:"omitempty,gte=1"`
	Input          map[string]any `json:"input,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Enqueue validates the graph, admits the execution and publishes it to the
// execution queue. A rejected execution is persisted as failed with the
// rejection under metadata.quota; it is returned together with the admission
// error so callers can report its id.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (*models.Execution, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.enqueue",
		attribute.String(otelhelper.WorkflowIDKey, req.WorkflowID),
		attribute.String(otelhelper.OrganizationIDKey, req.OrganizationID),
	)
	defer span.End()

	if err := e.validateRequest(req); err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	now := e.now()
	execution := &models.Execution{
		ID:             uuid.NewString(),
		WorkflowID:     req.WorkflowID,
		OrganizationID: req.OrganizationID,
		Status:         models.ExecutionStatusQueued,
		Graph:          req.Graph,
		MaxAttempts:    req.MaxAttempts,
		Input:          req.Input,
		Metadata:       req.Metadata,
		CreatedAt:      now,
	}

	span.SetAttributes(attribute.String(otelhelper.ExecutionIDKey, execution.ID))

	if err := e.admission.Admit(ctx, execution); err != nil {
		e.rejectExecution(ctx, execution, err)
		otelhelper.SetError(span, err)

		return execution, err
	}

	if err := e.executions.SaveExecution(ctx, execution); err != nil {
		e.admission.Withdraw(ctx, execution)

		return nil, fmt.Errorf("failed to save execution %s: %w", execution.ID, err)
	}

	event := events.ExecutionAdmitted{
		BaseEvent:  events.NewBaseEvent(events.ExecutionAdmittedEvent, execution.ID, execution.OrganizationID),
		WorkflowID: execution.WorkflowID,
	}

	if err := e.publisher.Publish(ctx, execution.ID, event); err != nil {
		e.markFailed(ctx, execution, "execution queue unavailable: "+err.Error())
		e.admission.Withdraw(ctx, execution)
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to publish execution %s: %w", execution.ID, err)
	}

	e.logger.InfoContext(ctx, "execution enqueued",
		"execution_id", execution.ID,
		"workflow_id", execution.WorkflowID,
		"organization_id", execution.OrganizationID,
		"connectors", execution.Connectors,
	)

	return execution, nil
}

func (e *Engine) validateRequest(req EnqueueRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidGraph, err)
	}

	plan := scheduler.Compile(req.Graph)
	if !plan.Complete {
		return fmt.Errorf("%w: unresolved nodes %v: %v", ErrInvalidGraph, plan.Unresolved, plan.Warnings)
	}

	for _, node := range req.Graph.Nodes {
		if err := e.registry.ValidateConfig(node.Type, node.Config); err != nil {
			return fmt.Errorf("%w: node %s: %w", ErrInvalidGraph, node.ID, err)
		}
	}

	return nil
}

// Preview compiles graph without enqueueing it.
func (e *Engine) Preview(graph *models.Graph) *scheduler.Plan {
	return scheduler.Compile(graph)
}

func (e *Engine) rejectExecution(ctx context.Context, execution *models.Execution, err error) {
	now := e.now()
	execution.Status = models.ExecutionStatusFailed
	execution.Error = err.Error()
	execution.CompletedAt = &now

	if admission.IsRejected(err) {
		execution.Metadata = withMetadata(execution.Metadata, "quota", admission.RejectionDetails(err))
		e.logger.InfoContext(ctx, "execution rejected by admission control",
			"execution_id", execution.ID,
			"organization_id", execution.OrganizationID,
			"error", err,
		)
	} else {
		execution.Metadata = withMetadata(execution.Metadata, "admission", "unavailable")
		e.logger.WarnContext(ctx, "admission control unavailable", "execution_id", execution.ID, "error", err)
	}

	if saveErr := e.executions.SaveExecution(ctx, execution); saveErr != nil {
		e.logger.WarnContext(ctx, "failed to record rejected execution", "execution_id", execution.ID, "error", saveErr)
	}
}

func (e *Engine) markFailed(ctx context.Context, execution *models.Execution, reason string) {
	now := e.now()
	execution.Status = models.ExecutionStatusFailed
	execution.Error = reason
	execution.CompletedAt = &now

	if err := e.executions.SaveExecution(ctx, execution); err != nil {
		e.logger.WarnContext(ctx, "failed to save failed execution", "execution_id", execution.ID, "error", err)
	}
}

// GetExecution returns the execution record.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	return e.executions.GetExecution(ctx, executionID)
}

// ListExecutions lists execution records.
func (e *Engine) ListExecutions(ctx context.Context, filter persistence.ExecutionFilter) ([]*models.Execution, error) {
	return e.executions.ListExecutions(ctx, filter)
}

// Steps returns the steps of an execution.
func (e *Engine) Steps(ctx context.Context, executionID string) ([]*models.ExecutionStep, error) {
	return e.scheduler.GetSteps(ctx, executionID)
}

func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }
func (e *Engine) Admission() *admission.Controller { return e.admission }
func (e *Engine) Locks() *lock.Service              { return e.locks }
func (e *Engine) Retry() *retry.Manager              { return e.retry }

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

func withMetadata(metadata map[string]any, key string, value any) map[string]any {
	if metadata == nil {
		metadata = make(map[string]any, 1)
	}

	metadata[key] = value

	return metadata
}

// Package persistence provides the data storage abstraction layer for the execution engine.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/conductor/pkg/models"
)

// Persistence groups every repository backed by one relational store.
type Persistence interface {
	Steps() StepRepository
	Executions() ExecutionRepository
	Counters() CounterRepository
	Quotas() QuotaRepository
	Idempotency() IdempotencyRepository
	DeadLetters() DeadLetterRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// StepRepository stores execution steps and their dependency edges.
type StepRepository interface {
	// CreateSteps inserts steps and dependencies in a single atomic batch.
	CreateSteps(ctx context.Context, steps []*models.ExecutionStep, deps []*models.ExecutionStepDependency) error
	GetStep(ctx context.Context, id string) (*models.ExecutionStep, error)
	ListSteps(ctx context.Context, executionID string) ([]*models.ExecutionStep, error)
	ListDependencies(ctx context.Context, executionID string) ([]*models.ExecutionStepDependency, error)
	// UpdateStep writes step only if the stored status still equals expected,
	// returning ErrStepConflict otherwise.
	UpdateStep(ctx context.Context, step *models.ExecutionStep, expected models.StepStatus) error
	ListWaitingExpired(ctx context.Context, now time.Time, limit int) ([]*models.ExecutionStep, error)
}

// ExecutionRepository stores execution records.
type ExecutionRepository interface {
	SaveExecution(ctx context.Context, execution *models.Execution) error
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.Execution, error)
}

// ExecutionFilter narrows ListExecutions. Zero values match everything.
type ExecutionFilter struct {
	OrganizationID string
	Status         models.ExecutionStatus
	Limit          int
}

// CounterRepository stores named integer counters.
type CounterRepository interface {
	GetCounters(ctx context.Context, keys []string) (map[string]int64, error)
	SetCounter(ctx context.Context, key string, value int64) error
	IncrementCounter(ctx context.Context, key string, delta int64) (int64, error)
}

// QuotaAdjustment is a signed change applied atomically to an organization's
// quota counters.
type QuotaAdjustment struct {
	OrganizationID string
	RunningDelta   int64
	WindowStartMs  int64
	WindowDelta    int64
}

// QuotaRepository stores per-organization quota counters, usage snapshots and
// the rejection audit log.
type QuotaRepository interface {
	// LoadQuota returns ErrQuotaNotFound when the organization has no row yet.
	LoadQuota(ctx context.Context, organizationID string) (*models.QuotaState, error)
	// AdjustQuota applies the deltas atomically, clamping counters at zero, and
	// returns the stored state. A window start at least models.QuotaWindow
	// past the stored one opens a new window before the delta; any other
	// start keeps the stored window.
	AdjustQuota(ctx context.Context, adjustment QuotaAdjustment) (*models.QuotaState, error)
	SaveUsageSnapshot(ctx context.Context, snapshot *models.UsageSnapshot) error
	RecordQuotaAudit(ctx context.Context, entry *models.QuotaAuditEntry) error
	ListQuotaAudit(ctx context.Context, organizationID string, limit int) ([]*models.QuotaAuditEntry, error)
}

// IdempotencyRepository stores step results keyed by idempotency fingerprint.
type IdempotencyRepository interface {
	// GetIdempotencyRecord returns ErrIdempotencyRecordNotFound for missing or
	// expired records.
	GetIdempotencyRecord(ctx context.Context, executionID, nodeID, key string, now time.Time) (*models.IdempotencyRecord, error)
	UpsertIdempotencyRecord(ctx context.Context, record *models.IdempotencyRecord) error
	DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error)
	CountActiveIdempotencyRecords(ctx context.Context, now time.Time) (int64, error)
}

// DeadLetterFilter narrows ListDeadLetters. Zero values match everything.
type DeadLetterFilter struct {
	OrganizationID string
	ExecutionID    string
	AutoReplayOnly bool
	Limit          int
}

// DeadLetterRepository stores steps that exhausted their retry budget.
type DeadLetterRepository interface {
	SaveDeadLetter(ctx context.Context, item *models.DeadLetter) error
	GetDeadLetter(ctx context.Context, id string) (*models.DeadLetter, error)
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*models.DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id string) error
}

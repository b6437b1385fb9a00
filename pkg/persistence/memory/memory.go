// Package memory provides an in-process implementation of every persistence repository.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
)

type idempotencyKey struct {
	executionID string
	nodeID      string
	key         string
}

// Persistence keeps all state in maps guarded by one mutex.
type Persistence struct {
	mu sync.RWMutex

	steps        map[string]*models.ExecutionStep
	stepsByNode  map[string]map[string]string
	dependencies map[string][]*models.ExecutionStepDependency
	executions   map[string]*models.Execution
	counters     map[string]int64
	quotas       map[string]*models.QuotaState
	snapshots    map[string]*models.UsageSnapshot
	audit        []*models.QuotaAuditEntry
	idempotency  map[idempotencyKey]*models.IdempotencyRecord
	deadLetters  map[string]*models.DeadLetter
}

var _ persistence.Persistence = (*Persistence)(nil)

// NewPersistence creates an empty in-memory persistence layer.
func NewPersistence() *Persistence {
	return &Persistence{
		steps:        make(map[string]*models.ExecutionStep),
		stepsByNode:  make(map[string]map[string]string),
		dependencies: make(map[string][]*models.ExecutionStepDependency),
		executions:   make(map[string]*models.Execution),
		counters:     make(map[string]int64),
		quotas:       make(map[string]*models.QuotaState),
		snapshots:    make(map[string]*models.UsageSnapshot),
		idempotency:  make(map[idempotencyKey]*models.IdempotencyRecord),
		deadLetters:  make(map[string]*models.DeadLetter),
	}
}

func (p *Persistence) Steps() persistence.StepRepository { return p }

func (p *Persistence) Executions() persistence.ExecutionRepository { return p }

func (p *Persistence) Counters() persistence.CounterRepository { return p }

func (p *Persistence) Quotas() persistence.QuotaRepository { return p }

func (p *Persistence) Idempotency() persistence.IdempotencyRepository { return p }

func (p *Persistence) DeadLetters() persistence.DeadLetterRepository { return p }

func (p *Persistence) HealthCheck(_ context.Context) error { return nil }

func (p *Persistence) Close(_ context.Context) error { return nil }

// CreateSteps inserts steps and dependencies, all or nothing.
func (p *Persistence) CreateSteps(_ context.Context, steps []*models.ExecutionStep, deps []*models.ExecutionStepDependency) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool, len(steps))

	for _, step := range steps {
		key := step.ExecutionID + "/" + step.NodeID
		if _, exists := p.stepsByNode[step.ExecutionID][step.NodeID]; exists || seen[key] {
			return persistence.NewStepError("CreateSteps", step.ID, persistence.ErrDuplicateStep)
		}

		if _, exists := p.steps[step.ID]; exists {
			return persistence.NewStepError("CreateSteps", step.ID, persistence.ErrDuplicateStep)
		}

		seen[key] = true
	}

	for _, step := range steps {
		p.steps[step.ID] = step.Clone()

		byNode, ok := p.stepsByNode[step.ExecutionID]
		if !ok {
			byNode = make(map[string]string)
			p.stepsByNode[step.ExecutionID] = byNode
		}

		byNode[step.NodeID] = step.ID
	}

	for _, dep := range deps {
		copied := *dep
		p.dependencies[dep.ExecutionID] = append(p.dependencies[dep.ExecutionID], &copied)
	}

	return nil
}

func (p *Persistence) GetStep(_ context.Context, id string) (*models.ExecutionStep, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	step, ok := p.steps[id]
	if !ok {
		return nil, persistence.NewStepError("GetStep", id, persistence.ErrStepNotFound)
	}

	return step.Clone(), nil
}

func (p *Persistence) ListSteps(_ context.Context, executionID string) ([]*models.ExecutionStep, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var steps []*models.ExecutionStep

	for _, id := range p.stepsByNode[executionID] {
		steps = append(steps, p.steps[id].Clone())
	}

	sortSteps(steps)

	return steps, nil
}

func (p *Persistence) ListDependencies(_ context.Context, executionID string) ([]*models.ExecutionStepDependency, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	deps := make([]*models.ExecutionStepDependency, 0, len(p.dependencies[executionID]))
	for _, dep := range p.dependencies[executionID] {
		copied := *dep
		deps = append(deps, &copied)
	}

	return deps, nil
}

func (p *Persistence) UpdateStep(_ context.Context, step *models.ExecutionStep, expected models.StepStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, ok := p.steps[step.ID]
	if !ok {
		return persistence.NewStepError("UpdateStep", step.ID, persistence.ErrStepNotFound)
	}

	if current.Status != expected {
		return persistence.NewStepError("UpdateStep", step.ID, persistence.ErrStepConflict)
	}

	p.steps[step.ID] = step.Clone()

	return nil
}

func (p *Persistence) ListWaitingExpired(_ context.Context, now time.Time, limit int) ([]*models.ExecutionStep, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var steps []*models.ExecutionStep

	for _, step := range p.steps {
		if step.Status == models.StepStatusWaiting && step.WaitUntil != nil && !step.WaitUntil.After(now) {
			steps = append(steps, step.Clone())
		}
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].WaitUntil.Before(*steps[j].WaitUntil) })

	if limit > 0 && len(steps) > limit {
		steps = steps[:limit]
	}

	return steps, nil
}

func sortSteps(steps []*models.ExecutionStep) {
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].CreatedAt.Equal(steps[j].CreatedAt) {
			return steps[i].ID < steps[j].ID
		}

		return steps[i].CreatedAt.Before(steps[j].CreatedAt)
	})
}

func (p *Persistence) SaveExecution(_ context.Context, execution *models.Execution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	copied := *execution
	p.executions[execution.ID] = &copied

	return nil
}

func (p *Persistence) GetExecution(_ context.Context, id string) (*models.Execution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	execution, ok := p.executions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", persistence.ErrExecutionNotFound, id)
	}

	copied := *execution

	return &copied, nil
}

func (p *Persistence) ListExecutions(_ context.Context, filter persistence.ExecutionFilter) ([]*models.Execution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var executions []*models.Execution

	for _, execution := range p.executions {
		if filter.OrganizationID != "" && execution.OrganizationID != filter.OrganizationID {
			continue
		}

		if filter.Status != "" && execution.Status != filter.Status {
			continue
		}

		copied := *execution
		executions = append(executions, &copied)
	}

	sort.Slice(executions, func(i, j int) bool { return executions[i].CreatedAt.After(executions[j].CreatedAt) })

	if filter.Limit > 0 && len(executions) > filter.Limit {
		executions = executions[:filter.Limit]
	}

	return executions, nil
}

func (p *Persistence) GetCounters(_ context.Context, keys []string) (map[string]int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	values := make(map[string]int64, len(keys))

	for _, key := range keys {
		if value, ok := p.counters[key]; ok {
			values[key] = value
		}
	}

	return values, nil
}

func (p *Persistence) SetCounter(_ context.Context, key string, value int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.counters[key] = value

	return nil
}

func (p *Persistence) IncrementCounter(_ context.Context, key string, delta int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.counters[key] += delta

	return p.counters[key], nil
}

func (p *Persistence) LoadQuota(_ context.Context, organizationID string) (*models.QuotaState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	state, ok := p.quotas[organizationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", persistence.ErrQuotaNotFound, organizationID)
	}

	copied := *state

	return &copied, nil
}

func (p *Persistence) AdjustQuota(_ context.Context, adjustment persistence.QuotaAdjustment) (*models.QuotaState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.quotas[adjustment.OrganizationID]
	if !ok {
		state = &models.QuotaState{WindowStartMs: adjustment.WindowStartMs}
		p.quotas[adjustment.OrganizationID] = state
	}

	state.Running = max(0, state.Running+adjustment.RunningDelta)

	if adjustment.WindowStartMs-state.WindowStartMs >= models.QuotaWindow.Milliseconds() {
		state.WindowStartMs = adjustment.WindowStartMs
		state.WindowCount = 0
	}

	state.WindowCount = max(0, state.WindowCount+adjustment.WindowDelta)

	copied := *state

	return &copied, nil
}

func (p *Persistence) SaveUsageSnapshot(_ context.Context, snapshot *models.UsageSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	copied := *snapshot
	p.snapshots[snapshot.OrganizationID] = &copied

	return nil
}

// UsageSnapshot returns the last mirrored snapshot for an organization.
func (p *Persistence) UsageSnapshot(organizationID string) (*models.UsageSnapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snapshot, ok := p.snapshots[organizationID]
	if !ok {
		return nil, false
	}

	copied := *snapshot

	return &copied, true
}

func (p *Persistence) RecordQuotaAudit(_ context.Context, entry *models.QuotaAuditEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	copied := *entry
	p.audit = append(p.audit, &copied)

	return nil
}

func (p *Persistence) ListQuotaAudit(_ context.Context, organizationID string, limit int) ([]*models.QuotaAuditEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var entries []*models.QuotaAuditEntry

	for i := len(p.audit) - 1; i >= 0; i-- {
		if p.audit[i].OrganizationID != organizationID {
			continue
		}

		copied := *p.audit[i]
		entries = append(entries, &copied)

		if limit > 0 && len(entries) == limit {
			break
		}
	}

	return entries, nil
}

func (p *Persistence) GetIdempotencyRecord(
	_ context.Context,
	executionID, nodeID, key string,
	now time.Time,
) (*models.IdempotencyRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	record, ok := p.idempotency[idempotencyKey{executionID, nodeID, key}]
	if !ok || record.Expired(now) {
		return nil, persistence.ErrIdempotencyRecordNotFound
	}

	copied := *record

	return &copied, nil
}

func (p *Persistence) UpsertIdempotencyRecord(_ context.Context, record *models.IdempotencyRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	copied := *record
	p.idempotency[idempotencyKey{record.ExecutionID, record.NodeID, record.IdempotencyKey}] = &copied

	return nil
}

func (p *Persistence) DeleteExpiredIdempotencyRecords(_ context.Context, now time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var removed int64

	for key, record := range p.idempotency {
		if record.Expired(now) {
			delete(p.idempotency, key)
			removed++
		}
	}

	return removed, nil
}

func (p *Persistence) CountActiveIdempotencyRecords(_ context.Context, now time.Time) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var count int64

	for _, record := range p.idempotency {
		if !record.Expired(now) {
			count++
		}
	}

	return count, nil
}

func (p *Persistence) SaveDeadLetter(_ context.Context, item *models.DeadLetter) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	copied := *item
	p.deadLetters[item.ID] = &copied

	return nil
}

func (p *Persistence) GetDeadLetter(_ context.Context, id string) (*models.DeadLetter, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	item, ok := p.deadLetters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", persistence.ErrDeadLetterNotFound, id)
	}

	copied := *item

	return &copied, nil
}

func (p *Persistence) ListDeadLetters(_ context.Context, filter persistence.DeadLetterFilter) ([]*models.DeadLetter, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var items []*models.DeadLetter

	for _, item := range p.deadLetters {
		if filter.OrganizationID != "" && item.OrganizationID != filter.OrganizationID {
			continue
		}

		if filter.ExecutionID != "" && item.ExecutionID != filter.ExecutionID {
			continue
		}

		if filter.AutoReplayOnly && !item.AutoReplay {
			continue
		}

		copied := *item
		items = append(items, &copied)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })

	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}

	return items, nil
}

func (p *Persistence) DeleteDeadLetter(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.deadLetters[id]; !ok {
		return fmt.Errorf("%w: %s", persistence.ErrDeadLetterNotFound, id)
	}

	delete(p.deadLetters, id)

	return nil
}

package memory_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistence_Steps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()

	a := &models.ExecutionStep{ID: "s-a", ExecutionID: "e1", NodeID: "a", Status: models.StepStatusPending}
	b := &models.ExecutionStep{ID: "s-b", ExecutionID: "e1", NodeID: "b", Status: models.StepStatusPending}
	deps := []*models.ExecutionStepDependency{{ExecutionID: "e1", StepID: "s-b", DependsOnStepID: "s-a"}}

	require.NoError(t, p.CreateSteps(ctx, []*models.ExecutionStep{a, b}, deps))

	err := p.CreateSteps(ctx, []*models.ExecutionStep{{ID: "s-c", ExecutionID: "e1", NodeID: "a"}}, nil)
	assert.ErrorIs(t, err, persistence.ErrDuplicateStep)

	steps, err := p.ListSteps(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, steps, 2)

	stored, err := p.GetStep(ctx, "s-a")
	require.NoError(t, err)

	stored.Status = models.StepStatusRunning
	require.NoError(t, p.UpdateStep(ctx, stored, models.StepStatusPending))
	assert.ErrorIs(t, p.UpdateStep(ctx, stored, models.StepStatusPending), persistence.ErrStepConflict)

	_, err = p.GetStep(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrStepNotFound)

	loadedDeps, err := p.ListDependencies(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, loadedDeps, 1)
}

func TestPersistence_StepsAreCopied(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()

	step := &models.ExecutionStep{ID: "s", ExecutionID: "e", NodeID: "n", Status: models.StepStatusPending, Output: map[string]any{"k": 1}}
	require.NoError(t, p.CreateSteps(ctx, []*models.ExecutionStep{step}, nil))

	step.Output["k"] = 2

	stored, err := p.GetStep(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Output["k"])
}

func TestPersistence_WaitingExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	require.NoError(t, p.CreateSteps(ctx, []*models.ExecutionStep{
		{ID: "1", ExecutionID: "e", NodeID: "past", Status: models.StepStatusWaiting, WaitUntil: &past},
		{ID: "2", ExecutionID: "e", NodeID: "future", Status: models.StepStatusWaiting, WaitUntil: &future},
		{ID: "3", ExecutionID: "e", NodeID: "pending", Status: models.StepStatusPending, WaitUntil: &past},
	}, nil))

	steps, err := p.ListWaitingExpired(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "past", steps[0].NodeID)
}

func TestPersistence_QuotaAdjust(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()

	_, err := p.LoadQuota(ctx, "org")
	assert.ErrorIs(t, err, persistence.ErrQuotaNotFound)

	state, err := p.AdjustQuota(ctx, persistence.QuotaAdjustment{OrganizationID: "org", RunningDelta: -1, WindowStartMs: 10, WindowDelta: 2})
	require.NoError(t, err)
	assert.Equal(t, models.QuotaState{Running: 0, WindowStartMs: 10, WindowCount: 2}, *state)

	state, err = p.AdjustQuota(ctx, persistence.QuotaAdjustment{OrganizationID: "org", WindowStartMs: 70_000, WindowDelta: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.WindowCount)
	assert.Equal(t, int64(70_000), state.WindowStartMs)

	// A second process rolling the same window a moment later counts into it.
	state, err = p.AdjustQuota(ctx, persistence.QuotaAdjustment{OrganizationID: "org", WindowStartMs: 70_001, WindowDelta: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.WindowCount)
	assert.Equal(t, int64(70_000), state.WindowStartMs)

	// A stale start never reopens the window.
	state, err = p.AdjustQuota(ctx, persistence.QuotaAdjustment{OrganizationID: "org", WindowStartMs: 10, WindowDelta: -1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.WindowCount)
	assert.Equal(t, int64(70_000), state.WindowStartMs)
}

func TestPersistence_IdempotencyCleanup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()
	now := time.Now()

	require.NoError(t, p.UpsertIdempotencyRecord(ctx, &models.IdempotencyRecord{
		ExecutionID: "e", NodeID: "a", IdempotencyKey: "k", ResultData: json.RawMessage(`1`), ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, p.UpsertIdempotencyRecord(ctx, &models.IdempotencyRecord{
		ExecutionID: "e", NodeID: "b", IdempotencyKey: "k", ResultData: json.RawMessage(`2`), ExpiresAt: now,
	}))

	_, err := p.GetIdempotencyRecord(ctx, "e", "b", "k", now)
	assert.ErrorIs(t, err, persistence.ErrIdempotencyRecordNotFound)

	removed, err := p.DeleteExpiredIdempotencyRecords(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	active, err := p.CountActiveIdempotencyRecords(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active)
}

func TestPersistence_DeadLetters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := memory.NewPersistence()

	require.NoError(t, p.SaveDeadLetter(ctx, &models.DeadLetter{ID: "d1", OrganizationID: "org", AutoReplay: true}))
	require.NoError(t, p.SaveDeadLetter(ctx, &models.DeadLetter{ID: "d2", OrganizationID: "org"}))

	items, err := p.ListDeadLetters(ctx, persistence.DeadLetterFilter{AutoReplayOnly: true})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "d1", items[0].ID)

	require.NoError(t, p.DeleteDeadLetter(ctx, "d1"))
	assert.ErrorIs(t, p.DeleteDeadLetter(ctx, "d1"), persistence.ErrDeadLetterNotFound)
}

package admission

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dukex/conductor/pkg/cache"
	"github.com/dukex/conductor/pkg/metrics"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/jonboulle/clockwork"
)

// FailurePolicy decides what limiters do when their backing state cannot be read.
type FailurePolicy string

const (
	// FailOpen degrades to in-process state and keeps admitting.
	FailOpen FailurePolicy = "open"
	// FailClosed rejects with ErrAdmissionUnavailable.
	FailClosed FailurePolicy = "closed"
)

// QuotaOptions configure a QuotaLimiter.
type QuotaOptions struct {
	Repository persistence.Option[persistence.QuotaRepository]
	Cache      persistence.Option[*cache.Client]
	Policy     FailurePolicy
	Clock      clockwork.Clock
	Metrics    metrics.Sink
}

type orgQuota struct {
	mu     sync.Mutex
	state  models.QuotaState
	loaded bool
}

// QuotaLimiter enforces per-organization concurrent-execution and per-minute
// throughput ceilings. Every decision re-reads the shared counters (relational
// store, else shared cache) and every change is an atomic signed adjustment
// on them. Without shared backends the in-process state is authoritative.
type QuotaLimiter struct {
	logger  *slog.Logger
	repo    persistence.Option[persistence.QuotaRepository]
	cache   persistence.Option[*cache.Client]
	policy  FailurePolicy
	clock   clockwork.Clock
	metrics metrics.Sink

	mu   sync.Mutex
	orgs map[string]*orgQuota
}

// NewQuotaLimiter creates a quota limiter.
func NewQuotaLimiter(logger *slog.Logger, opts QuotaOptions) *QuotaLimiter {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopSink()
	}

	if opts.Policy == "" {
		opts.Policy = FailOpen
	}

	return &QuotaLimiter{
		logger:  logger.With("module", "quota"),
		repo:    opts.Repository,
		cache:   opts.Cache,
		policy:  opts.Policy,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		orgs:    make(map[string]*orgQuota),
	}
}

func (q *QuotaLimiter) org(organizationID string) *orgQuota {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.orgs[organizationID]
	if !ok {
		entry = &orgQuota{}
		q.orgs[organizationID] = entry
	}

	return entry
}

// Reset drops every cached organization state so the next call reloads it.
func (q *QuotaLimiter) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.orgs = make(map[string]*orgQuota)
}

// ReserveAdmission checks the concurrency then the throughput ceiling and, if
// both pass, consumes one unit of the current window. The ceiling is checked
// again against the counters returned by the shared backend after the
// increment, so processes sharing that backend cannot overshoot it together.
func (q *QuotaLimiter) ReserveAdmission(ctx context.Context, organizationID string, limits models.OrganizationLimits) error {
	entry := q.org(organizationID)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	reset, err := q.refresh(ctx, organizationID, entry)
	if err != nil {
		return err
	}

	if err := q.checkConcurrency(ctx, organizationID, entry.state.Running, limits); err != nil {
		return err
	}

	if err := q.checkThroughput(ctx, organizationID, entry.state.WindowCount, limits); err != nil {
		return err
	}

	after, err := q.apply(ctx, organizationID, entry, persistence.QuotaAdjustment{WindowDelta: 1}, reset, q.policy)
	if err != nil {
		return err
	}

	if limits.MaxExecutionsPerMinute > 0 && after.WindowCount > int64(limits.MaxExecutionsPerMinute) {
		q.rollback(ctx, organizationID, entry, persistence.QuotaAdjustment{WindowDelta: -1})

		return q.checkThroughput(ctx, organizationID, after.WindowCount-1, limits)
	}

	q.metrics.AdmissionDecision(metrics.LimiterQuota, metrics.OutcomeAdmitted, "")

	return nil
}

// ReleaseAdmission gives back a reservation that did not lead to an execution.
func (q *QuotaLimiter) ReleaseAdmission(ctx context.Context, organizationID string) {
	entry := q.org(organizationID)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	reset, err := q.refresh(ctx, organizationID, entry)
	if err != nil {
		q.logger.WarnContext(ctx, "releasing admission without loaded state", "organization_id", organizationID, "error", err)
	}

	if reset {
		// The reservation belonged to an expired window.
		return
	}

	q.rollback(ctx, organizationID, entry, persistence.QuotaAdjustment{WindowDelta: -1})
}

// AcquireRunningSlot takes one concurrent-execution slot, independent of the
// throughput window. Like ReserveAdmission it re-checks the stored counter
// after incrementing it and gives the slot back when the ceiling was crossed.
func (q *QuotaLimiter) AcquireRunningSlot(ctx context.Context, organizationID string, limits models.OrganizationLimits) error {
	entry := q.org(organizationID)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	reset, err := q.refresh(ctx, organizationID, entry)
	if err != nil {
		return err
	}

	if err := q.checkConcurrency(ctx, organizationID, entry.state.Running, limits); err != nil {
		return err
	}

	after, err := q.apply(ctx, organizationID, entry, persistence.QuotaAdjustment{RunningDelta: 1}, reset, q.policy)
	if err != nil {
		return err
	}

	if limits.MaxConcurrentExecutions > 0 && after.Running > int64(limits.MaxConcurrentExecutions) {
		q.rollback(ctx, organizationID, entry, persistence.QuotaAdjustment{RunningDelta: -1})

		return q.checkConcurrency(ctx, organizationID, after.Running-1, limits)
	}

	return nil
}

// ReleaseRunningSlot frees one concurrent-execution slot. The counter never
// drops below zero.
func (q *QuotaLimiter) ReleaseRunningSlot(ctx context.Context, organizationID string) {
	entry := q.org(organizationID)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if _, err := q.refresh(ctx, organizationID, entry); err != nil {
		q.logger.WarnContext(ctx, "releasing running slot without loaded state", "organization_id", organizationID, "error", err)
	}

	q.rollback(ctx, organizationID, entry, persistence.QuotaAdjustment{RunningDelta: -1})
}

// GetState returns the normalized counters of an organization.
func (q *QuotaLimiter) GetState(ctx context.Context, organizationID string) (models.QuotaState, error) {
	entry := q.org(organizationID)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if _, err := q.refresh(ctx, organizationID, entry); err != nil {
		return models.QuotaState{}, err
	}

	return entry.state, nil
}

func (q *QuotaLimiter) checkConcurrency(
	ctx context.Context,
	organizationID string,
	running int64,
	limits models.OrganizationLimits,
) error {
	if limits.MaxConcurrentExecutions > 0 && running >= int64(limits.MaxConcurrentExecutions) {
		return q.reject(ctx, &QuotaError{
			OrganizationID: organizationID,
			Reason:         ReasonConcurrency,
			Limit:          int64(limits.MaxConcurrentExecutions),
			Current:        running,
		})
	}

	return nil
}

func (q *QuotaLimiter) checkThroughput(
	ctx context.Context,
	organizationID string,
	count int64,
	limits models.OrganizationLimits,
) error {
	if limits.MaxExecutionsPerMinute > 0 && count >= int64(limits.MaxExecutionsPerMinute) {
		return q.reject(ctx, &QuotaError{
			OrganizationID: organizationID,
			Reason:         ReasonThroughput,
			Limit:          int64(limits.MaxExecutionsPerMinute),
			Current:        count,
		})
	}

	return nil
}

func (q *QuotaLimiter) reject(ctx context.Context, err *QuotaError) error {
	q.logger.InfoContext(ctx, "admission rejected by quota",
		"organization_id", err.OrganizationID,
		"reason", err.Reason,
		"limit", err.Limit,
		"current", err.Current,
	)
	q.metrics.AdmissionDecision(metrics.LimiterQuota, metrics.OutcomeRejected, err.Reason)

	return err
}

func quotaCacheKeys(organizationID string) (running, windowStart, windowCount string) {
	prefix := "quota:" + organizationID + ":"

	return prefix + "running", prefix + "window_start", prefix + "window_count"
}

// refresh re-reads the organization state from the shared backends and
// normalizes its window. Without shared backends the in-process state is the
// only state. It reports whether the window was reset.
func (q *QuotaLimiter) refresh(ctx context.Context, organizationID string, entry *orgQuota) (bool, error) {
	if q.repo.IsSome() || q.cache.IsSome() || !entry.loaded {
		state, err := q.loadState(ctx, organizationID)

		switch {
		case err == nil:
			entry.state = state
		case q.policy == FailClosed:
			return false, errors.Join(ErrAdmissionUnavailable, err)
		default:
			q.logger.WarnContext(ctx, "quota state unavailable, using in-process state",
				"organization_id", organizationID,
				"error", err,
			)
		}

		entry.loaded = true
	}

	return entry.state.Normalize(q.clock.Now()), nil
}

func (q *QuotaLimiter) loadState(ctx context.Context, organizationID string) (models.QuotaState, error) {
	var loadErr error

	if repo, ok := q.repo.Get(); ok {
		state, err := repo.LoadQuota(ctx, organizationID)
		switch {
		case err == nil:
			return *state, nil
		case errors.Is(err, persistence.ErrQuotaNotFound):
			return models.QuotaState{}, nil
		default:
			q.logger.WarnContext(ctx, "failed to load quota from relational store", "organization_id", organizationID, "error", err)
			loadErr = err
		}
	}

	if client, ok := q.cache.Get(); ok {
		runningKey, startKey, countKey := quotaCacheKeys(organizationID)

		values, err := client.MGetInt(ctx, runningKey, startKey, countKey)
		if err != nil {
			return models.QuotaState{}, errors.Join(loadErr, err)
		}

		return models.QuotaState{
			Running:       max(0, values[runningKey]),
			WindowStartMs: values[startKey],
			WindowCount:   max(0, values[countKey]),
		}, nil
	}

	return models.QuotaState{}, loadErr
}

// apply adds the deltas to the authoritative counters and returns them as
// stored after the change: the relational row when there is one, else the
// shared cache, else the in-process state.
func (q *QuotaLimiter) apply(
	ctx context.Context,
	organizationID string,
	entry *orgQuota,
	adjustment persistence.QuotaAdjustment,
	reset bool,
	policy FailurePolicy,
) (models.QuotaState, error) {
	adjustment.OrganizationID = organizationID
	adjustment.WindowStartMs = entry.state.WindowStartMs

	var err error

	switch {
	case q.repo.IsSome():
		err = q.applyRelational(ctx, entry, adjustment)
	case q.cache.IsSome():
		err = q.applyCache(ctx, entry, adjustment, reset)
	default:
		q.applyLocal(entry, adjustment)
	}

	if err != nil {
		if policy == FailClosed {
			return models.QuotaState{}, errors.Join(ErrAdmissionUnavailable, err)
		}

		q.logger.WarnContext(ctx, "failed to persist quota adjustment, using in-process state",
			"organization_id", organizationID,
			"error", err,
		)
		q.applyLocal(entry, adjustment)
	}

	return entry.state, nil
}

// rollback undoes a delta. It never fails: errors are logged and the
// in-process state takes the change.
func (q *QuotaLimiter) rollback(ctx context.Context, organizationID string, entry *orgQuota, adjustment persistence.QuotaAdjustment) {
	_, _ = q.apply(ctx, organizationID, entry, adjustment, false, FailOpen)
}

func (q *QuotaLimiter) applyLocal(entry *orgQuota, adjustment persistence.QuotaAdjustment) {
	entry.state.Running = max(0, entry.state.Running+adjustment.RunningDelta)
	entry.state.WindowCount = max(0, entry.state.WindowCount+adjustment.WindowDelta)
}

func (q *QuotaLimiter) applyRelational(ctx context.Context, entry *orgQuota, adjustment persistence.QuotaAdjustment) error {
	repo, _ := q.repo.Get()

	state, err := repo.AdjustQuota(ctx, adjustment)
	if err != nil {
		return err
	}

	entry.state = *state

	if client, ok := q.cache.Get(); ok {
		q.mirrorToCache(ctx, client, adjustment.OrganizationID, entry.state)
	}

	snapshot := &models.UsageSnapshot{
		OrganizationID: adjustment.OrganizationID,
		Running:        entry.state.Running,
		WindowStartMs:  entry.state.WindowStartMs,
		WindowCount:    entry.state.WindowCount,
		UpdatedAt:      q.clock.Now().UTC(),
	}

	if err := repo.SaveUsageSnapshot(ctx, snapshot); err != nil {
		q.logger.WarnContext(ctx, "failed to save usage snapshot", "organization_id", adjustment.OrganizationID, "error", err)
	}

	return nil
}

// applyCache uses INCRBY so concurrent processes never lose an increment. A
// window reset is a plain SET and may race with another process resetting
// the same window.
func (q *QuotaLimiter) applyCache(
	ctx context.Context,
	entry *orgQuota,
	adjustment persistence.QuotaAdjustment,
	reset bool,
) error {
	client, _ := q.cache.Get()
	runningKey, startKey, countKey := quotaCacheKeys(adjustment.OrganizationID)

	if reset {
		if err := client.Set(ctx, startKey, entry.state.WindowStartMs, 0); err != nil {
			return err
		}

		if err := client.Set(ctx, countKey, 0, 0); err != nil {
			return err
		}
	}

	if adjustment.RunningDelta != 0 {
		running, err := client.IncrBy(ctx, runningKey, adjustment.RunningDelta)
		if err != nil {
			return err
		}

		if running < 0 {
			_, _ = client.IncrBy(ctx, runningKey, -running)
		}

		entry.state.Running = max(0, running)
	}

	if adjustment.WindowDelta != 0 {
		count, err := client.IncrBy(ctx, countKey, adjustment.WindowDelta)
		if err != nil {
			return err
		}

		if count < 0 {
			_, _ = client.IncrBy(ctx, countKey, -count)
		}

		entry.state.WindowCount = max(0, count)
	}

	return nil
}

// mirrorToCache copies the relational counters so the cache can serve reads
// when the relational store is down. Failures are logged.
func (q *QuotaLimiter) mirrorToCache(ctx context.Context, client *cache.Client, organizationID string, state models.QuotaState) {
	runningKey, startKey, countKey := quotaCacheKeys(organizationID)

	for key, value := range map[string]int64{
		runningKey: state.Running,
		startKey:   state.WindowStartMs,
		countKey:   state.WindowCount,
	} {
		if err := client.Set(ctx, key, value, 0); err != nil {
			q.logger.WarnContext(ctx, "failed to mirror quota to cache", "organization_id", organizationID, "error", err)

			return
		}
	}
}

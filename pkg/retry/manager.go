// Package retry runs a step's unit of work with bounded retries, idempotent
// result caching and a dead-letter escape path.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dukex/conductor/pkg/metrics"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/jonboulle/clockwork"
)

// DefaultTTL is how long idempotency records are kept.
const DefaultTTL = 24 * time.Hour

// UnitOfWork is one side-effecting call. attempt starts at 1.
type UnitOfWork func(ctx context.Context, attempt int) (any, error)

// Backoff is an exponential, capped delay between attempts.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff is used when Options.Backoff is nil.
var DefaultBackoff = Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2}

func (b Backoff) exponential() *backoff.ExponentialBackOff {
	exp := backoff.NewExponentialBackOff()

	if b.Initial > 0 {
		exp.InitialInterval = b.Initial
	}

	if b.Max > 0 {
		exp.MaxInterval = b.Max
	}

	if b.Multiplier > 0 {
		exp.Multiplier = b.Multiplier
	}

	return exp
}

// Options tune one ExecuteWithRetry call.
type Options struct {
	IdempotencyKey string
	// Retries is the number of attempts after the first.
	Retries int
	Backoff *Backoff
	// OnRetry runs after a failed attempt, before the next one is scheduled.
	OnRetry func(ctx context.Context, nextAttempt int, err error, delay time.Duration)
}

// Result is the outcome of a successful ExecuteWithRetry.
type Result struct {
	Value    any
	Data     json.RawMessage
	Hash     string
	Cached   bool
	Attempts int
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	ExecutionID string
	NodeID      string
	Attempts    int
	Err         error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("node %s of execution %s failed after %d attempts: %v", e.NodeID, e.ExecutionID, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	Idempotency persistence.Option[persistence.IdempotencyRepository]
	DeadLetters persistence.Option[persistence.DeadLetterRepository]
	TTL         time.Duration
	Clock       clockwork.Clock
	Metrics     metrics.Sink
}

// Manager executes units of work with retry and idempotency.
type Manager struct {
	logger      *slog.Logger
	idempotency persistence.Option[persistence.IdempotencyRepository]
	deadLetters persistence.Option[persistence.DeadLetterRepository]
	ttl         time.Duration
	clock       clockwork.Clock
	metrics     metrics.Sink

	hits         atomic.Int64
	misses       atomic.Int64
	retries      atomic.Int64
	deadLettered atomic.Int64
	replayed     atomic.Int64

	cleanupMu          sync.Mutex
	lastCleanup        *time.Time
	lastCleanupRemoved int64
}

// NewManager creates a retry manager.
func NewManager(logger *slog.Logger, opts ManagerOptions) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopSink()
	}

	return &Manager{
		logger:      logger.With("module", "retry"),
		idempotency: opts.Idempotency,
		deadLetters: opts.DeadLetters,
		ttl:         opts.TTL,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
	}
}

// ExecuteWithRetry returns the cached result for an unexpired idempotency
// record without calling uow. Otherwise it runs uow up to Retries+1 times
// and stores the successful result under the idempotency key.
func (m *Manager) ExecuteWithRetry(
	ctx context.Context,
	nodeID string,
	executionID string,
	uow UnitOfWork,
	opts Options,
) (*Result, error) {
	if opts.IdempotencyKey != "" {
		if cached := m.lookup(ctx, executionID, nodeID, opts.IdempotencyKey); cached != nil {
			return cached, nil
		}
	}

	policy := DefaultBackoff
	if opts.Backoff != nil {
		policy = *opts.Backoff
	}

	attempts := 0

	value, err := backoff.Retry(ctx, func() (any, error) {
		attempts++

		return uow(ctx, attempts)
	},
		backoff.WithBackOff(policy.exponential()),
		backoff.WithMaxTries(uint(max(0, opts.Retries)+1)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			m.retries.Add(1)
			m.metrics.RetryAttempt()
			m.logger.WarnContext(ctx, "unit of work failed, retrying",
				"execution_id", executionID,
				"node_id", nodeID,
				"attempt", attempts,
				"backoff", delay,
				"error", err,
			)

			if opts.OnRetry != nil {
				opts.OnRetry(ctx, attempts+1, err, delay)
			}
		}),
	)
	if err != nil {
		return nil, &ExhaustedError{ExecutionID: executionID, NodeID: nodeID, Attempts: attempts, Err: err}
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result of node %s: %w", nodeID, err)
	}

	result := &Result{Value: value, Data: data, Hash: hashResult(data), Attempts: attempts}

	if opts.IdempotencyKey != "" {
		m.store(ctx, executionID, nodeID, opts.IdempotencyKey, result)
	}

	return result, nil
}

func hashResult(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

func (m *Manager) lookup(ctx context.Context, executionID, nodeID, key string) *Result {
	repo, ok := m.idempotency.Get()
	if !ok {
		return nil
	}

	record, err := repo.GetIdempotencyRecord(ctx, executionID, nodeID, key, m.clock.Now())
	if err != nil {
		if !errors.Is(err, persistence.ErrIdempotencyRecordNotFound) {
			m.logger.WarnContext(ctx, "idempotency lookup failed, executing", "node_id", nodeID, "error", err)
		}

		m.misses.Add(1)
		m.metrics.IdempotencyLookup(false)

		return nil
	}

	var value any
	if err := json.Unmarshal(record.ResultData, &value); err != nil {
		m.logger.WarnContext(ctx, "cached result is not valid JSON, executing", "node_id", nodeID, "error", err)
		m.misses.Add(1)
		m.metrics.IdempotencyLookup(false)

		return nil
	}

	m.hits.Add(1)
	m.metrics.IdempotencyLookup(true)
	m.logger.DebugContext(ctx, "idempotency hit", "execution_id", executionID, "node_id", nodeID)

	return &Result{Value: value, Data: record.ResultData, Hash: record.ResultHash, Cached: true}
}

func (m *Manager) store(ctx context.Context, executionID, nodeID, key string, result *Result) {
	repo, ok := m.idempotency.Get()
	if !ok {
		return
	}

	now := m.clock.Now().UTC()
	record := &models.IdempotencyRecord{
		ExecutionID:    executionID,
		NodeID:         nodeID,
		IdempotencyKey: key,
		ResultHash:     result.Hash,
		ResultData:     result.Data,
		ExpiresAt:      now.Add(m.ttl),
		CreatedAt:      now,
	}

	if err := repo.UpsertIdempotencyRecord(ctx, record); err != nil {
		m.logger.WarnContext(ctx, "failed to store idempotency record", "node_id", nodeID, "error", err)
	}
}

// Cleanup removes expired idempotency records and returns how many were removed.
func (m *Manager) Cleanup(ctx context.Context) (int64, error) {
	repo, ok := m.idempotency.Get()
	if !ok {
		return 0, nil
	}

	now := m.clock.Now().UTC()

	removed, err := repo.DeleteExpiredIdempotencyRecords(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to clean idempotency records: %w", err)
	}

	m.cleanupMu.Lock()
	m.lastCleanup = &now
	m.lastCleanupRemoved = removed
	m.cleanupMu.Unlock()

	m.metrics.IdempotencyCleanup(removed)
	m.logger.InfoContext(ctx, "idempotency records cleaned", "removed", removed)

	return removed, nil
}

// Stats is the retry manager telemetry.
type Stats struct {
	CachedKeys         int64      `json:"cached_keys"`
	Hits               int64      `json:"hits"`
	Misses             int64      `json:"misses"`
	Retries            int64      `json:"retries"`
	DeadLettered       int64      `json:"dead_lettered"`
	Replayed           int64      `json:"replayed"`
	LastCleanup        *time.Time `json:"last_cleanup,omitempty"`
	LastCleanupRemoved int64      `json:"last_cleanup_removed"`
}

// Stats reports counters since start. CachedKeys is read from the store.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Hits:         m.hits.Load(),
		Misses:       m.misses.Load(),
		Retries:      m.retries.Load(),
		DeadLettered: m.deadLettered.Load(),
		Replayed:     m.replayed.Load(),
	}

	m.cleanupMu.Lock()
	stats.LastCleanup = m.lastCleanup
	stats.LastCleanupRemoved = m.lastCleanupRemoved
	m.cleanupMu.Unlock()

	repo, ok := m.idempotency.Get()
	if !ok {
		return stats, nil
	}

	active, err := repo.CountActiveIdempotencyRecords(ctx, m.clock.Now().UTC())
	if err != nil {
		return stats, fmt.Errorf("failed to count idempotency records: %w", err)
	}

	stats.CachedKeys = active

	return stats, nil
}

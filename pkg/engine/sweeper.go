package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweep names.
const (
	SweepExpireWaiting   = "expire_waiting"
	SweepCleanup         = "idempotency_cleanup"
	SweepReplayScheduled = "dlq_replay"
	SweepRecoverStalled  = "recover_stalled"
)

const (
	DefaultSweepBatch = 100
	DefaultStaleAfter = 5 * time.Minute
)

var ErrUnknownSweep = errors.New("unknown sweep")

// SweepSchedules holds one standard cron expression per sweep. An empty
// expression disables that sweep.
type SweepSchedules struct {
	ExpireWaiting   string
	Cleanup         string
	ReplayScheduled string
	RecoverStalled  string
	BatchSize       int
	StaleAfter      time.Duration
}

// DefaultSweepSchedules runs every sweep each minute except cleanup, which
// runs hourly.
func DefaultSweepSchedules() SweepSchedules {
	return SweepSchedules{
		ExpireWaiting:   "* * * * *",
		Cleanup:         "0 * * * *",
		ReplayScheduled: "* * * * *",
		RecoverStalled:  "*/5 * * * *",
		BatchSize:       DefaultSweepBatch,
		StaleAfter:      DefaultStaleAfter,
	}
}

type sweep struct {
	name     string
	schedule string
	run      func(ctx context.Context) (int64, error)
}

// Sweeper runs the engine's periodic maintenance on cron schedules.
type Sweeper struct {
	logger *slog.Logger
	engine *Engine
	sweeps []sweep
	cron   *cron.Cron
	jobs   map[string]cron.EntryID
	mutex  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewSweeper(logger *slog.Logger, engine *Engine, schedules SweepSchedules) *Sweeper {
	if schedules.BatchSize <= 0 {
		schedules.BatchSize = DefaultSweepBatch
	}

	if schedules.StaleAfter <= 0 {
		schedules.StaleAfter = DefaultStaleAfter
	}

	limit := schedules.BatchSize
	staleAfter := schedules.StaleAfter

	s := &Sweeper{
		logger: logger.With("module", "sweeper"),
		engine: engine,
		jobs:   make(map[string]cron.EntryID),
	}

	s.sweeps = []sweep{
		{name: SweepExpireWaiting, schedule: schedules.ExpireWaiting, run: func(ctx context.Context) (int64, error) {
			n, err := engine.ExpireWaiting(ctx, limit)

			return int64(n), err
		}},
		{name: SweepCleanup, schedule: schedules.Cleanup, run: engine.Cleanup},
		{name: SweepReplayScheduled, schedule: schedules.ReplayScheduled, run: func(ctx context.Context) (int64, error) {
			n, err := engine.ReplayScheduled(ctx, limit)

			return int64(n), err
		}},
		{name: SweepRecoverStalled, schedule: schedules.RecoverStalled, run: func(ctx context.Context) (int64, error) {
			n, err := engine.RecoverStalled(ctx, staleAfter, limit)

			return int64(n), err
		}},
	}

	return s
}

// Validate checks every enabled schedule parses as a standard cron expression.
func (s *Sweeper) Validate() error {
	for _, sw := range s.sweeps {
		if sw.schedule == "" {
			continue
		}

		if _, err := cron.ParseStandard(sw.schedule); err != nil {
			return fmt.Errorf("invalid cron expression '%s' for sweep %s: %w", sw.schedule, sw.name, err)
		}
	}

	return nil
}

func (s *Sweeper) Start(ctx context.Context) error {
	if err := s.Validate(); err != nil {
		return err
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	for _, sw := range s.sweeps {
		if sw.schedule == "" {
			s.logger.InfoContext(ctx, "sweep disabled", "sweep", sw.name)

			continue
		}

		entryID, err := s.cron.AddFunc(sw.schedule, func() {
			_, _ = s.run(s.ctx, sw)
		})
		if err != nil {
			return fmt.Errorf("failed to add cron job for sweep %s: %w", sw.name, err)
		}

		s.mutex.Lock()
		s.jobs[sw.name] = entryID
		s.mutex.Unlock()

		s.logger.InfoContext(ctx, "sweep scheduled", "sweep", sw.name, "cron", sw.schedule, "entry_id", entryID)
	}

	s.cron.Start()

	return nil
}

// RunOnce runs the named sweep immediately and returns how many items it touched.
func (s *Sweeper) RunOnce(ctx context.Context, name string) (int64, error) {
	for _, sw := range s.sweeps {
		if sw.name == name {
			return s.run(ctx, sw)
		}
	}

	return 0, fmt.Errorf("%w: %s", ErrUnknownSweep, name)
}

func (s *Sweeper) run(ctx context.Context, sw sweep) (int64, error) {
	started := time.Now()

	n, err := sw.run(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep failed", "sweep", sw.name, "error", err)

		return n, err
	}

	if n > 0 {
		s.logger.InfoContext(ctx, "sweep finished", "sweep", sw.name, "affected", n, "duration", time.Since(started))
	} else {
		s.logger.DebugContext(ctx, "sweep finished", "sweep", sw.name)
	}

	return n, nil
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	s.mutex.Lock()
	s.jobs = make(map[string]cron.EntryID)
	s.mutex.Unlock()

	s.logger.Info("sweeper stopped")
}

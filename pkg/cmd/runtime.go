package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/conductor/pkg/admission"
	"github.com/dukex/conductor/pkg/cache"
	"github.com/dukex/conductor/pkg/config"
	"github.com/dukex/conductor/pkg/counter"
	"github.com/dukex/conductor/pkg/engine"
	"github.com/dukex/conductor/pkg/eventbus"
	"github.com/dukex/conductor/pkg/manifest"
	"github.com/dukex/conductor/pkg/metrics"
	"github.com/dukex/conductor/pkg/otelhelper"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/registry"
	"github.com/dukex/conductor/pkg/retry"
	"github.com/dukex/conductor/pkg/scheduler"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"
)

// Runtime is everything a binary needs, built from one configuration.
type Runtime struct {
	Config     config.Engine
	Store      persistence.Persistence
	Cache      persistence.Option[*cache.Client]
	Bus        eventbus.EventBus
	Registry   *registry.Registry
	Engine     *engine.Engine
	Prometheus *prometheus.Registry
	Tracer     trace.Tracer

	logger  *slog.Logger
	closers []func(ctx context.Context) error
}

// NewRuntime validates cfg and wires the stores, queue, limiters, locks and
// engine. Whatever was opened before a failure is closed again.
func NewRuntime(ctx context.Context, logger *slog.Logger, cfg config.Engine) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg, logger: logger, Prometheus: prometheus.NewRegistry()}

	if err := rt.build(ctx); err != nil {
		rt.Close(ctx)

		return nil, err
	}

	return rt, nil
}

func (rt *Runtime) build(ctx context.Context) error {
	cfg := rt.Config
	logger := rt.logger
	clock := clockwork.NewRealClock()

	rt.Prometheus.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink := metrics.NewPrometheusSink(logger, rt.Prometheus)

	rt.Tracer = otelhelper.Tracer(nil)

	if cfg.TracingEnabled {
		tracer, shutdown, err := otelhelper.NewTracer(ctx, cfg.ServiceName)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}

		rt.Tracer = tracer
		rt.closers = append(rt.closers, shutdown)
	}

	store, err := NewPersistence(ctx, logger, cfg.DatabaseURL)
	if err != nil {
		return err
	}

	rt.Store = store
	rt.closers = append(rt.closers, store.Close)

	rt.Cache, err = NewCache(ctx, logger, cfg.RedisURL, cfg.RedisPrefix)
	if err != nil {
		return err
	}

	if client, ok := rt.Cache.Get(); ok {
		rt.closers = append(rt.closers, func(context.Context) error { return client.Close() })
	}

	rt.Bus, err = NewEventBus(logger, cfg)
	if err != nil {
		return err
	}

	rt.closers = append(rt.closers, func(context.Context) error { return rt.Bus.Close() })

	rt.Registry, err = NewRegistry(logger, cfg.PluginsPath, clock)
	if err != nil {
		return fmt.Errorf("failed to load node plugins: %w", err)
	}

	connectors, err := manifest.LoadConnectorsOrEmpty(cfg.ConnectorManifest)
	if err != nil {
		return err
	}

	plans, err := manifest.LoadPlansOrDefault(cfg.PlanLimits)
	if err != nil {
		return err
	}

	relational := persistence.None[persistence.CounterRepository]()
	quotas := persistence.Some(store.Quotas())

	if !cfg.InMemory() {
		relational = persistence.Some(store.Counters())
	}

	controller := admission.NewController(logger, admission.ControllerOptions{
		Quota: admission.NewQuotaLimiter(logger, admission.QuotaOptions{
			Repository: quotas,
			Cache:      rt.Cache,
			Policy:     cfg.Policy(),
			Clock:      clock,
			Metrics:    sink,
		}),
		Connectors: admission.NewConnectorLimiter(logger, admission.ConnectorOptions{
			Store:    counter.Resolve(logger, relational, rt.Cache),
			Manifest: connectors,
			Policy:   cfg.Policy(),
			Metrics:  sink,
		}),
		Plans: plans,
		Audit: quotas,
		Clock: clock,
	})

	rt.Engine = engine.New(logger, engine.Options{
		Scheduler:  scheduler.New(logger, persistence.Some(store.Steps()), clock),
		Executions: store.Executions(),
		Admission:  controller,
		Locks:      NewLockService(logger, cfg, store, rt.Cache, clock, sink),
		Retry: retry.NewManager(logger, retry.ManagerOptions{
			Idempotency: persistence.Some(store.Idempotency()),
			DeadLetters: persistence.Some(store.DeadLetters()),
			TTL:         cfg.IdempotencyTTL,
			Clock:       clock,
			Metrics:     sink,
		}),
		Registry:    rt.Registry,
		Publisher:   rt.Bus,
		Clock:       clock,
		Metrics:     sink,
		Tracer:      rt.Tracer,
		Concurrency: cfg.Concurrency,
		MaxAttempts: cfg.MaxAttempts,
		LockTTL:     cfg.LockTTL,
		WorkerID:    cfg.WorkerID,
	})

	logger.InfoContext(ctx, "runtime ready",
		"event_bus", cfg.EventBus,
		"in_memory", cfg.InMemory(),
		"cache", rt.Cache.IsSome(),
		"lock", rt.Engine.Locks().Mode(),
		"nodes", len(rt.Registry.GetAvailableNodes()),
	)

	return nil
}

// Close releases everything in reverse order of opening.
func (rt *Runtime) Close(ctx context.Context) {
	var errs []error

	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	rt.closers = nil

	if err := errors.Join(errs...); err != nil {
		rt.logger.ErrorContext(ctx, "failed to close runtime", "error", err)
	}
}

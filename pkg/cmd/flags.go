package cmd

import (
	"github.com/dukex/conductor/pkg/config"
	cli "github.com/urfave/cli/v3"
)

// EngineFlags are the flags every binary that builds a Runtime accepts.
func EngineFlags() []cli.Flag {
	defaults := config.Defaults()

	return []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Database connection URL for persistence (empty or memory:// keeps state in process)",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Shared cache URL for counters, quota mirror and locks",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "redis-prefix",
			Usage:   "Key prefix for every shared cache key",
			Value:   "conductor:",
			Sources: cli.EnvVars("REDIS_PREFIX"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Execution queue driver (gochannel, kafka)",
			Value:   defaults.EventBus,
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringSliceFlag{
			Name:    "kafka-brokers",
			Usage:   "Kafka brokers for the kafka driver",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "lock-strategy",
			Usage:   "Force a lock backend (postgres, redis, memory); empty resolves from what is configured",
			Sources: cli.EnvVars("LOCK_STRATEGY"),
		},
		&cli.StringFlag{
			Name:    "failure-policy",
			Usage:   "Admission behavior when limiter storage fails (open, closed)",
			Value:   defaults.FailurePolicy,
			Sources: cli.EnvVars("ADMISSION_FAILURE_POLICY"),
		},
		&cli.StringFlag{
			Name:    "connector-manifest",
			Usage:   "YAML file with per-connector concurrency limits",
			Sources: cli.EnvVars("CONNECTOR_MANIFEST"),
		},
		&cli.StringFlag{
			Name:    "plan-limits",
			Usage:   "YAML file with default and per-organization plan limits",
			Sources: cli.EnvVars("PLAN_LIMITS"),
		},
		&cli.StringFlag{
			Name:    "plugins-path",
			Usage:   "Path to the directory containing node plugins",
			Value:   defaults.PluginsPath,
			Sources: cli.EnvVars("PLUGINS_PATH"),
		},
		&cli.IntFlag{
			Name:    "concurrency",
			Usage:   "Ready steps of one execution run at once",
			Value:   defaults.Concurrency,
			Sources: cli.EnvVars("STEP_CONCURRENCY"),
		},
		&cli.IntFlag{
			Name:    "max-attempts",
			Usage:   "Attempts per step for nodes without their own retries",
			Value:   defaults.MaxAttempts,
			Sources: cli.EnvVars("MAX_ATTEMPTS"),
		},
		&cli.DurationFlag{
			Name:    "lock-ttl",
			Usage:   "Upper bound on how long one driver holds an execution",
			Value:   defaults.LockTTL,
			Sources: cli.EnvVars("LOCK_TTL"),
		},
		&cli.DurationFlag{
			Name:    "idempotency-ttl",
			Usage:   "How long cached step results are reused",
			Value:   defaults.IdempotencyTTL,
			Sources: cli.EnvVars("IDEMPOTENCY_TTL"),
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Usage:   "Port for the /metrics endpoint (0 disables it)",
			Sources: cli.EnvVars("METRICS_PORT"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("TRACING_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   defaults.LogLevel,
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}
}

// ConfigFromCommand reads EngineFlags back into a configuration.
func ConfigFromCommand(command *cli.Command, serviceName string) config.Engine {
	cfg := config.Defaults()

	cfg.ServiceName = serviceName
	cfg.DatabaseURL = command.String("database-url")
	cfg.RedisURL = command.String("redis-url")
	cfg.RedisPrefix = command.String("redis-prefix")
	cfg.EventBus = command.String("event-bus")
	cfg.KafkaBrokers = command.StringSlice("kafka-brokers")
	cfg.LockStrategy = command.String("lock-strategy")
	cfg.FailurePolicy = command.String("failure-policy")
	cfg.ConnectorManifest = command.String("connector-manifest")
	cfg.PlanLimits = command.String("plan-limits")
	cfg.PluginsPath = command.String("plugins-path")
	cfg.Concurrency = command.Int("concurrency")
	cfg.MaxAttempts = command.Int("max-attempts")
	cfg.LockTTL = command.Duration("lock-ttl")
	cfg.IdempotencyTTL = command.Duration("idempotency-ttl")
	cfg.MetricsPort = command.Int("metrics-port")
	cfg.TracingEnabled = command.Bool("tracing")
	cfg.LogLevel = command.String("log-level")

	return cfg
}

// Package config holds the settings shared by the conductor binaries.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dukex/conductor/pkg/admission"
	"github.com/dukex/conductor/pkg/engine"
	"github.com/dukex/conductor/pkg/retry"
	"github.com/go-playground/validator/v10"
)

const (
	EventBusGoChannel = "gochannel"
	EventBusKafka     = "kafka"
)

// Engine configures the composition root: stores, queue, locks, limits and
// engine tuning.
type Engine struct {
	ServiceName string `validate:"required"`
	WorkerID    string

	// DatabaseURL selects the relational store. Empty or memory:// keeps all
	// state in process.
	DatabaseURL string `validate:"omitempty,url"`
	RedisURL    string `validate:"omitempty,url"`
	RedisPrefix string

	EventBus     string   `validate:"required,oneof=gochannel kafka"`
	KafkaBrokers []string `validate:"required_if=EventBus kafka,dive,hostname_port"`

	LockStrategy  string `validate:"omitempty,oneof=postgres redis memory"`
	FailurePolicy string `validate:"required,oneof=open closed"`

	ConnectorManifest string
	PlanLimits        string
	PluginsPath       string

	Concurrency    int           `validate:"gte=1,lte=256"`
	MaxAttempts    int           `validate:"gte=1,lte=100"`
	LockTTL        time.Duration `validate:"gte=1s"`
	IdempotencyTTL time.Duration `validate:"gte=1m"`

	// MetricsPort serves /metrics on its own listener; 0 disables it.
	MetricsPort    int `validate:"gte=0,lte=65535"`
	TracingEnabled bool
	LogLevel       string `validate:"oneof=debug info warn error"`
}

// Defaults returns an in-process configuration.
func Defaults() Engine {
	return Engine{
		ServiceName:    "conductor",
		EventBus:       EventBusGoChannel,
		FailurePolicy:  string(admission.FailOpen),
		PluginsPath:    "./plugins",
		Concurrency:    engine.DefaultConcurrency,
		MaxAttempts:    engine.DefaultMaxAttempts,
		LockTTL:        engine.DefaultLockTTL,
		IdempotencyTTL: retry.DefaultTTL,
		LogLevel:       "info",
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every invalid field at once.
func (c Engine) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

// InMemory reports whether the relational store is disabled.
func (c Engine) InMemory() bool {
	return c.DatabaseURL == "" || strings.HasPrefix(c.DatabaseURL, "memory://")
}

// Policy returns the admission failure policy.
func (c Engine) Policy() admission.FailurePolicy {
	return admission.FailurePolicy(c.FailurePolicy)
}

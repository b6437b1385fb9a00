package config_test

import (
	"errors"
	"testing"
	"time"

	"github.com/dukex/conductor/pkg/admission"
	"github.com/dukex/conductor/pkg/config"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*config.Engine)
		errFields []string
	}{
		{
			name:   "defaults",
			mutate: func(*config.Engine) {},
		},
		{
			name: "kafka with brokers and postgres",
			mutate: func(c *config.Engine) {
				c.EventBus = config.EventBusKafka
				c.KafkaBrokers = []string{"kafka:9092"}
				c.DatabaseURL = "postgres://conductor:secret@db:5432/conductor?sslmode=disable"
				c.RedisURL = "redis://cache:6379/0"
				c.LockStrategy = "redis"
				c.FailurePolicy = string(admission.FailClosed)
			},
		},
		{
			name:      "kafka without brokers",
			mutate:    func(c *config.Engine) { c.EventBus = config.EventBusKafka },
			errFields: []string{"KafkaBrokers"},
		},
		{
			name:      "unknown event bus",
			mutate:    func(c *config.Engine) { c.EventBus = "rabbitmq" },
			errFields: []string{"EventBus"},
		},
		{
			name:      "unknown lock strategy and policy",
			mutate:    func(c *config.Engine) { c.LockStrategy = "zookeeper"; c.FailurePolicy = "maybe" },
			errFields: []string{"LockStrategy", "FailurePolicy"},
		},
		{
			name: "tuning out of range",
			mutate: func(c *config.Engine) {
				c.Concurrency = 0
				c.MaxAttempts = 101
				c.LockTTL = 10 * time.Millisecond
				c.IdempotencyTTL = time.Second
			},
			errFields: []string{"Concurrency", "MaxAttempts", "LockTTL", "IdempotencyTTL"},
		},
		{
			name:      "bad log level",
			mutate:    func(c *config.Engine) { c.LogLevel = "trace" },
			errFields: []string{"LogLevel"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.Defaults()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if len(tt.errFields) == 0 {
				assert.NoError(t, err)

				return
			}

			var validationErrors validator.ValidationErrors
			require.True(t, errors.As(err, &validationErrors))

			fields := make([]string, 0, len(validationErrors))
			for _, fieldErr := range validationErrors {
				fields = append(fields, fieldErr.Field())
			}

			assert.ElementsMatch(t, tt.errFields, fields)
		})
	}
}

func TestEngine_InMemory(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	assert.True(t, cfg.InMemory())

	cfg.DatabaseURL = "memory://"
	assert.True(t, cfg.InMemory())

	cfg.DatabaseURL = "postgres://localhost/conductor"
	assert.False(t, cfg.InMemory())
	assert.Equal(t, admission.FailOpen, cfg.Policy())
}

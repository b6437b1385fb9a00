package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/conductor/pkg/channels/gochannel"
	"github.com/dukex/conductor/pkg/channels/kafka"
	"github.com/dukex/conductor/pkg/config"
	"github.com/dukex/conductor/pkg/eventbus"
)

// NewEventBus creates the execution queue for the configured driver.
func NewEventBus(logger *slog.Logger, cfg config.Engine) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch cfg.EventBus {
	case config.EventBusKafka:
		pub, sub, err := kafka.CreateChannel(wmLogger, kafka.Options{
			Brokers:     cfg.KafkaBrokers,
			ServiceName: cfg.ServiceName,
			OTELEnabled: cfg.TracingEnabled,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(logger, pub, sub), nil
	case config.EventBusGoChannel, "":
		pub, sub, err := gochannel.CreateChannel(wmLogger, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-process pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(logger, pub, sub), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", cfg.EventBus)
	}
}

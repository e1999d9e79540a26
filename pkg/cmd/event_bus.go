package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/ruleflow/pkg/channels/gochannel"
	"github.com/dukex/ruleflow/pkg/channels/kafka"
	"github.com/dukex/ruleflow/pkg/eventbus"
)

var ErrUnsupportedEventBus = errors.New("unsupported event bus provider")

// NewEventBus builds the bus of a provider: "kafka" or "memory". Every
// service of a deployment joins the same consumer group for events; control
// requests are consumed by instanceID on its own.
func NewEventBus(provider, brokers, instanceID string, logger *slog.Logger) (eventbus.EventBus, error) {
	watermillLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermillLogger, kafka.ParseBrokers(brokers), "ruleflow")
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		control, err := kafka.CreateBroadcastSubscriber(watermillLogger, kafka.ParseBrokers(brokers), "ruleflow", instanceID)
		if err != nil {
			_ = pub.Close()
			_ = sub.Close()

			return nil, fmt.Errorf("failed to create Kafka control subscriber: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger, eventbus.WithBroadcastSubscriber(control)), nil
	case "memory", "gochannel":
		pub, sub, err := gochannel.CreateChannel(watermillLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEventBus, provider)
	}
}

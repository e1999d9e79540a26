package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/ruleflow/pkg/events"
)

type WatermillEventBus struct {
	publisher     message.Publisher
	subscriber    message.Subscriber
	broadcast     message.Subscriber
	logger        *slog.Logger
	mu            sync.RWMutex
	subscriptions map[events.EventType]EventHandler
}

type Option func(*WatermillEventBus)

// WithBroadcastSubscriber consumes the control topic with sub. Transports
// that share one subscription between workers need a subscriber of their own
// per process so every worker sees every control request.
func WithBroadcastSubscriber(sub message.Subscriber) Option {
	return func(eb *WatermillEventBus) { eb.broadcast = sub }
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber, logger *slog.Logger, opts ...Option) *WatermillEventBus {
	eb := &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		logger:        logger.With("module", "eventbus"),
		subscriptions: make(map[events.EventType]EventHandler),
	}

	for _, opt := range opts {
		opt(eb)
	}

	return eb
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

// topicFor routes domain events to their own topic so lifecycle traffic
// never delays event intake.
func topicFor(eventType events.EventType) string {
	switch eventType {
	case events.DomainEventReceivedEvent:
		return events.DomainEventsTopic
	case events.ExecutionCancelRequestedEvent:
		return events.ControlTopic
	default:
		return events.Topic
	}
}

func (eb *WatermillEventBus) subscriberFor(topic string) message.Subscriber {
	if topic == events.ControlTopic && eb.broadcast != nil {
		return eb.broadcast
	}

	return eb.subscriber
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.GetType(), err)
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(topicFor(event.GetType()), msg)
}

// Subscribe starts consuming every topic that has at least one handler.
func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	topics := map[string]bool{}

	eb.mu.RLock()
	for eventType := range eb.subscriptions {
		topics[topicFor(eventType)] = true
	}
	eb.mu.RUnlock()

	for topic := range topics {
		messages, err := eb.subscriberFor(topic).Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}

		go eb.consume(ctx, messages)
	}

	return nil
}

func (eb *WatermillEventBus) consume(ctx context.Context, messages <-chan *message.Message) {
	for msg := range messages {
		eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

		eb.mu.RLock()
		handler, exists := eb.subscriptions[eventType]
		eb.mu.RUnlock()

		if !exists {
			msg.Ack()

			continue
		}

		event := newEvent(eventType)
		if event == nil {
			eb.logger.WarnContext(ctx, "unknown event type", "event_type", eventType)
			msg.Ack()

			continue
		}

		if err := json.Unmarshal(msg.Payload, event); err != nil {
			eb.logger.ErrorContext(ctx, "failed to decode event", "event_type", eventType, "error", err)
			msg.Ack()

			continue
		}

		if err := handler(ctx, event); err != nil {
			eb.logger.ErrorContext(ctx, "event handler failed", "event_type", eventType, "error", err)
			msg.Nack()

			continue
		}

		msg.Ack()
	}
}

func newEvent(eventType events.EventType) any {
	switch eventType {
	case events.DomainEventReceivedEvent:
		return &events.DomainEventReceived{}
	case events.FlowExecutionStartedEvent:
		return &events.FlowExecutionStarted{}
	case events.FlowExecutionAttemptedEvent:
		return &events.FlowExecutionAttempted{}
	case events.FlowExecutionCompletedEvent:
		return &events.FlowExecutionCompleted{}
	case events.FlowExecutionFailedEvent:
		return &events.FlowExecutionFailed{}
	case events.FlowExecutionCancelledEvent:
		return &events.FlowExecutionCancelled{}
	case events.ExecutionCancelRequestedEvent:
		return &events.ExecutionCancelRequested{}
	default:
		return nil
	}
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscriptions[eventType] = handler

	return nil
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	err = eb.subscriber.Close()
	if err != nil {
		return err
	}

	if eb.broadcast != nil {
		return eb.broadcast.Close()
	}

	return nil
}

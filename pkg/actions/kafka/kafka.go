// Package kafka provides the Kafka topic action handler.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/IBM/sarama"
	"github.com/dukex/ruleflow/pkg/actions"
	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/pool"
	"github.com/dukex/ruleflow/pkg/protocol"
)

const Kind = "kafka"

// ProducerFactory builds a producer for a comma separated broker list.
type ProducerFactory func(brokers []string) (sarama.SyncProducer, error)

type Config struct {
	Brokers []string `validate:"required,min=1,dive,hostname_port"`
	Topic   string   `validate:"required,max=249"`
	Key     string
	Payload string
	Headers map[string]string
}

// Message is the job data of a kafka job.
type Message struct {
	Brokers []string          `json:"brokers"`
	Topic   string            `json:"topic"`
	Key     string            `json:"key,omitempty"`
	Value   string            `json:"value"`
	Headers map[string]string `json:"headers,omitempty"`
}

type Handler struct {
	renderer  protocol.Renderer
	producers *pool.Pool[string, sarama.SyncProducer]
	logger    *slog.Logger
}

func DefaultProducerFactory(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 0
	config.ClientID = "ruleflow"

	return sarama.NewSyncProducer(brokers, config)
}

func New(renderer protocol.Renderer, factory ProducerFactory, logger *slog.Logger) *Handler {
	if factory == nil {
		factory = DefaultProducerFactory
	}

	return &Handler{
		renderer: renderer,
		producers: pool.New(func(_ context.Context, key string) (sarama.SyncProducer, error) {
			return factory(strings.Split(key, ","))
		}),
		logger: logger.With("action_kind", Kind),
	}
}

func (h *Handler) Kind() string { return Kind }

func (h *Handler) Name() string { return "Kafka" }

func (h *Handler) Description() string {
	return "Publishes the event or a rendered payload to a Kafka topic"
}

func (h *Handler) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"brokers": map[string]any{
				"type":        "string",
				"description": "Comma separated host:port list",
			},
			"topic": map[string]any{
				"type":        "string",
				"description": "Topic name, supports placeholders",
			},
			"key": map[string]any{
				"type":        "string",
				"description": "Partition key template",
			},
			"payload": map[string]any{
				"type":        "string",
				"description": "Message template; the event JSON is sent when empty",
			},
			"headers": map[string]any{"type": "object"},
		},
		"required": []any{"brokers", "topic"},
	}
}

func (h *Handler) CreateJob(ctx context.Context, event *models.DomainEvent, action models.Action) (models.Job, error) {
	config := Config{
		Brokers: splitBrokers(actions.String(action.Config, "brokers")),
		Topic:   strings.TrimSpace(h.renderer.Render(ctx, actions.String(action.Config, "topic"), event)),
		Key:     h.renderer.Render(ctx, actions.String(action.Config, "key"), event),
		Payload: actions.String(action.Config, "payload"),
		Headers: map[string]string{},
	}

	for key, value := range actions.StringMap(action.Config, "headers") {
		config.Headers[key] = h.renderer.Render(ctx, value, event)
	}

	if err := actions.Validate(config); err != nil {
		return models.Job{}, err
	}

	value, err := actions.Payload(ctx, h.renderer, config.Payload, event)
	if err != nil {
		return models.Job{}, err
	}

	return models.Job{
		ActionKind:  Kind,
		Description: fmt.Sprintf("Push event to Kafka topic %s", config.Topic),
		Data: Message{
			Brokers: config.Brokers,
			Topic:   config.Topic,
			Key:     config.Key,
			Value:   value,
			Headers: config.Headers,
		},
	}, nil
}

func (h *Handler) ExecuteJob(ctx context.Context, job models.Job) models.ExecutionResult {
	message, ok := actions.JobData[Message](job)
	if !ok {
		return models.Failed(fmt.Sprintf("unexpected job data %T", job.Data), false, "")
	}

	producer, err := h.producers.GetOrCreate(ctx, strings.Join(message.Brokers, ","))
	if err != nil {
		return models.Failed(fmt.Sprintf("failed to connect to brokers: %v", err), true, "")
	}

	msg := &sarama.ProducerMessage{
		Topic: message.Topic,
		Value: sarama.StringEncoder(message.Value),
	}

	if message.Key != "" {
		msg.Key = sarama.StringEncoder(message.Key)
	}

	for key, value := range message.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
	}

	type sent struct {
		partition int32
		offset    int64
		err       error
	}

	done := make(chan sent, 1)

	go func() {
		partition, offset, err := producer.SendMessage(msg)
		done <- sent{partition, offset, err}
	}()

	select {
	case <-ctx.Done():
		return actions.ErrorResult(ctx.Err(), "")
	case result := <-done:
		if result.err != nil {
			h.logger.DebugContext(ctx, "kafka send failed", "topic", message.Topic, "error", result.err)

			return resultFromError(result.err)
		}

		return models.Complete(fmt.Sprintf("topic=%s partition=%d offset=%d", message.Topic, result.partition, result.offset))
	}
}

// Close closes every pooled producer.
func (h *Handler) Close() error {
	var errs []error

	h.producers.Range(func(_ string, producer sarama.SyncProducer) bool {
		errs = append(errs, producer.Close())

		return true
	})

	return errors.Join(errs...)
}

func resultFromError(err error) models.ExecutionResult {
	var kerr sarama.KError
	if errors.As(err, &kerr) {
		switch kerr {
		case sarama.ErrMessageSizeTooLarge, sarama.ErrInvalidTopic, sarama.ErrTopicAuthorizationFailed,
			sarama.ErrInvalidMessage, sarama.ErrClusterAuthorizationFailed:
			return models.Failed(kerr.Error(), false, "")
		}
	}

	// Broker unavailability, leadership changes and network errors are worth retrying.
	return models.Failed(err.Error(), true, "")
}

func splitBrokers(value string) []string {
	var brokers []string

	for _, broker := range strings.Split(value, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}

	sort.Strings(brokers)

	return brokers
}

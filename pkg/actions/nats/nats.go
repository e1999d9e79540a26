// Package nats provides the messaging hub action handler backed by NATS.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/ruleflow/pkg/actions"
	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/pool"
	"github.com/dukex/ruleflow/pkg/protocol"
	"github.com/nats-io/nats.go"
)

const Kind = "nats"

// Conn is the subset of *nats.Conn used by the handler.
type Conn interface {
	PublishMsg(msg *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// Connector opens a connection to the servers in url.
type Connector func(url string) (Conn, error)

func DefaultConnector(url string) (Conn, error) {
	return nats.Connect(url, nats.Name("ruleflow"), nats.MaxReconnects(-1))
}

type Config struct {
	URL     string `validate:"required"`
	Subject string `validate:"required,excludesall= *>"`
	Payload string
	Headers map[string]string
}

// Publish is the job data of a nats job.
type Publish struct {
	URL     string            `json:"url"`
	Subject string            `json:"subject"`
	Data    string            `json:"data"`
	Headers map[string]string `json:"headers,omitempty"`
}

type Handler struct {
	renderer protocol.Renderer
	conns    *pool.Pool[string, Conn]
	logger   *slog.Logger
}

func New(renderer protocol.Renderer, connector Connector, logger *slog.Logger) *Handler {
	if connector == nil {
		connector = DefaultConnector
	}

	return &Handler{
		renderer: renderer,
		conns: pool.New(func(_ context.Context, url string) (Conn, error) {
			return connector(url)
		}),
		logger: logger.With("action_kind", Kind),
	}
}

func (h *Handler) Kind() string { return Kind }

func (h *Handler) Name() string { return "NATS" }

func (h *Handler) Description() string {
	return "Publishes the event or a rendered payload to a NATS subject"
}

func (h *Handler) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Server URL list, e.g. nats://localhost:4222",
			},
			"subject": map[string]any{
				"type":        "string",
				"description": "Subject, supports placeholders. Wildcards are not allowed",
			},
			"payload": map[string]any{"type": "string"},
			"headers": map[string]any{"type": "object"},
		},
		"required": []any{"url", "subject"},
	}
}

func (h *Handler) CreateJob(ctx context.Context, event *models.DomainEvent, action models.Action) (models.Job, error) {
	config := Config{
		URL:     strings.TrimSpace(actions.String(action.Config, "url")),
		Subject: strings.TrimSpace(h.renderer.Render(ctx, actions.String(action.Config, "subject"), event)),
		Payload: actions.String(action.Config, "payload"),
		Headers: map[string]string{},
	}

	for key, value := range actions.StringMap(action.Config, "headers") {
		config.Headers[key] = h.renderer.Render(ctx, value, event)
	}

	if err := actions.Validate(config); err != nil {
		return models.Job{}, err
	}

	data, err := actions.Payload(ctx, h.renderer, config.Payload, event)
	if err != nil {
		return models.Job{}, err
	}

	return models.Job{
		ActionKind:  Kind,
		Description: fmt.Sprintf("Publish event to subject %s", config.Subject),
		Data: Publish{
			URL:     config.URL,
			Subject: config.Subject,
			Data:    data,
			Headers: config.Headers,
		},
	}, nil
}

func (h *Handler) ExecuteJob(ctx context.Context, job models.Job) models.ExecutionResult {
	publish, ok := actions.JobData[Publish](job)
	if !ok {
		return models.Failed(fmt.Sprintf("unexpected job data %T", job.Data), false, "")
	}

	conn, err := h.conns.GetOrCreate(ctx, publish.URL)
	if err != nil {
		return resultFromError(err)
	}

	msg := nats.NewMsg(publish.Subject)
	msg.Data = []byte(publish.Data)

	for key, value := range publish.Headers {
		msg.Header.Set(key, value)
	}

	if err := conn.PublishMsg(msg); err != nil {
		h.logger.DebugContext(ctx, "nats publish failed", "subject", publish.Subject, "error", err)

		return resultFromError(err)
	}

	if err := conn.FlushWithContext(ctx); err != nil {
		return resultFromError(err)
	}

	return models.Complete(fmt.Sprintf("subject=%s bytes=%d", publish.Subject, len(msg.Data)))
}

// Close drains every pooled connection.
func (h *Handler) Close() {
	h.conns.Range(func(_ string, conn Conn) bool {
		conn.Close()

		return true
	})
}

func resultFromError(err error) models.ExecutionResult {
	switch {
	case errors.Is(err, context.Canceled):
		return actions.ErrorResult(err, "")
	case errors.Is(err, nats.ErrBadSubject), errors.Is(err, nats.ErrMaxPayload),
		errors.Is(err, nats.ErrHeadersNotSupported), errors.Is(err, nats.ErrAuthorization):
		return models.Failed(err.Error(), false, "")
	default:
		// No servers, timeouts, closed or reconnecting connections.
		return models.Failed(err.Error(), true, "")
	}
}

// Package redis provides the Redis pub/sub and stream action handler.
package redis

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
	"github.com/redis/go-redis/v9"
)

const (
	Kind = "redis"

	ModePublish = "publish"
	ModeStream  = "stream"
)

// ConnKey identifies one pooled client.
type ConnKey struct {
	Addr     string
	Password string
	DB       int
}

type Config struct {
	Conn    ConnKey
	Addr    string `validate:"required,hostname_port"`
	Mode    string `validate:"oneof=publish stream"`
	Target  string `validate:"required"`
	Payload string
	MaxLen  int64 `validate:"min=0"`
}

// Command is the job data of a redis job.
type Command struct {
	Conn   ConnKey `json:"-"`
	Addr   string  `json:"addr"`
	Mode   string  `json:"mode"`
	Target string  `json:"target"`
	Data   string  `json:"data"`
	MaxLen int64   `json:"max_len,omitempty"`
}

type Handler struct {
	renderer protocol.Renderer
	clients  *pool.Pool[ConnKey, redis.UniversalClient]
	logger   *slog.Logger
}

func New(renderer protocol.Renderer, logger *slog.Logger) *Handler {
	return &Handler{
		renderer: renderer,
		clients: pool.New(func(_ context.Context, key ConnKey) (redis.UniversalClient, error) {
			return redis.NewClient(&redis.Options{
				Addr:     key.Addr,
				Password: key.Password,
				DB:       key.DB,
			}), nil
		}),
		logger: logger.With("action_kind", Kind),
	}
}

func (h *Handler) Kind() string { return Kind }

func (h *Handler) Name() string { return "Redis" }

func (h *Handler) Description() string {
	return "Publishes the event to a Redis channel or appends it to a Redis stream"
}

func (h *Handler) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"addr":     map[string]any{"type": "string", "description": "host:port"},
			"password": map[string]any{"type": "string"},
			"db":       map[string]any{"type": "number", "default": 0},
			"mode": map[string]any{
				"type":    "string",
				"default": ModePublish,
				"enum":    []any{ModePublish, ModeStream},
			},
			"target": map[string]any{
				"type":        "string",
				"description": "Channel or stream name, supports placeholders",
			},
			"payload": map[string]any{"type": "string"},
			"max_len": map[string]any{
				"type":        "number",
				"description": "Approximate stream length cap",
			},
		},
		"required": []any{"addr", "target"},
	}
}

func (h *Handler) CreateJob(ctx context.Context, event *models.DomainEvent, action models.Action) (models.Job, error) {
	config := Config{
		Addr:    strings.TrimSpace(actions.String(action.Config, "addr")),
		Mode:    strings.ToLower(actions.String(action.Config, "mode")),
		Target:  strings.TrimSpace(h.renderer.Render(ctx, actions.String(action.Config, "target"), event)),
		Payload: actions.String(action.Config, "payload"),
		MaxLen:  int64(actions.Int(action.Config, "max_len", 0)),
	}

	if config.Mode == "" {
		config.Mode = ModePublish
	}

	config.Conn = ConnKey{
		Addr:     config.Addr,
		Password: actions.String(action.Config, "password"),
		DB:       actions.Int(action.Config, "db", 0),
	}

	if err := actions.Validate(config); err != nil {
		return models.Job{}, err
	}

	data, err := actions.Payload(ctx, h.renderer, config.Payload, event)
	if err != nil {
		return models.Job{}, err
	}

	verb := "Publish event to Redis channel"
	if config.Mode == ModeStream {
		verb = "Append event to Redis stream"
	}

	return models.Job{
		ActionKind:  Kind,
		Description: fmt.Sprintf("%s %s", verb, config.Target),
		Data: Command{
			Conn:   config.Conn,
			Addr:   config.Addr,
			Mode:   config.Mode,
			Target: config.Target,
			Data:   data,
			MaxLen: config.MaxLen,
		},
	}, nil
}

func (h *Handler) ExecuteJob(ctx context.Context, job models.Job) models.ExecutionResult {
	command, ok := actions.JobData[Command](job)
	if !ok {
		return models.Failed(fmt.Sprintf("unexpected job data %T", job.Data), false, "")
	}

	client, err := h.clients.GetOrCreate(ctx, command.Conn)
	if err != nil {
		return actions.ErrorResult(err, "")
	}

	switch command.Mode {
	case ModeStream:
		id, err := client.XAdd(ctx, &redis.XAddArgs{
			Stream: command.Target,
			MaxLen: command.MaxLen,
			Approx: command.MaxLen > 0,
			Values: map[string]any{"payload": command.Data},
		}).Result()
		if err != nil {
			return h.resultFromError(ctx, command, err)
		}

		return models.Complete(fmt.Sprintf("stream=%s id=%s", command.Target, id))
	default:
		receivers, err := client.Publish(ctx, command.Target, command.Data).Result()
		if err != nil {
			return h.resultFromError(ctx, command, err)
		}

		return models.Complete(fmt.Sprintf("channel=%s receivers=%d", command.Target, receivers))
	}
}

// Close closes every pooled client.
func (h *Handler) Close() error {
	var errs []error

	h.clients.Range(func(_ ConnKey, client redis.UniversalClient) bool {
		errs = append(errs, client.Close())

		return true
	})

	return errors.Join(errs...)
}

func (h *Handler) resultFromError(ctx context.Context, command Command, err error) models.ExecutionResult {
	h.logger.DebugContext(ctx, "redis command failed", "mode", command.Mode, "target", command.Target, "error", err)

	var redisErr redis.Error
	if errors.As(err, &redisErr) && !isTransientReply(redisErr.Error()) {
		return models.Failed(err.Error(), false, "")
	}

	if errors.Is(err, context.Canceled) {
		return actions.ErrorResult(err, "")
	}

	return models.Failed(err.Error(), true, "")
}

func isTransientReply(msg string) bool {
	for _, prefix := range []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN", "READONLY"} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}

	return false
}

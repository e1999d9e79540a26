// Package telegram provides the notification action handler backed by the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/ruleflow/pkg/actions"
	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/pool"
	"github.com/dukex/ruleflow/pkg/protocol"
	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

const (
	Kind = "telegram"

	DefaultAPIBase = "https://api.telegram.org"
)

type botKey struct {
	token   string
	apiBase string
}

type Config struct {
	Token     string   `validate:"required"`
	APIBase   string   `validate:"required,url"`
	ChatIDs   []string `validate:"required,min=1,dive,required"`
	Text      string   `validate:"required"`
	ParseMode string   `validate:"omitempty,oneof=HTML Markdown MarkdownV2"`
}

// Notification is the job data of a telegram job.
type Notification struct {
	Token     string   `json:"-"`
	APIBase   string   `json:"api_base"`
	ChatIDs   []string `json:"chat_ids"`
	Text      string   `json:"text"`
	ParseMode string   `json:"parse_mode,omitempty"`
}

type Handler struct {
	renderer protocol.Renderer
	bots     *pool.Pool[botKey, *tgbot.Bot]
	logger   *slog.Logger
}

func New(renderer protocol.Renderer, logger *slog.Logger) *Handler {
	return &Handler{
		renderer: renderer,
		bots: pool.New(func(_ context.Context, key botKey) (*tgbot.Bot, error) {
			return tgbot.New(key.token,
				tgbot.WithSkipGetMe(),
				tgbot.WithServerURL(strings.TrimRight(key.apiBase, "/")),
			)
		}),
		logger: logger.With("action_kind", Kind),
	}
}

func (h *Handler) Kind() string { return Kind }

func (h *Handler) Name() string { return "Telegram" }

func (h *Handler) Description() string {
	return "Sends a rendered notification to one Telegram user or to a list of chats"
}

func (h *Handler) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"token":    map[string]any{"type": "string", "description": "Bot token"},
			"api_base": map[string]any{"type": "string", "default": DefaultAPIBase},
			"chat_id": map[string]any{
				"type":        "string",
				"description": "Single recipient; must render to exactly one line",
			},
			"chat_ids": map[string]any{
				"type":        "string",
				"description": "Newline separated list of chats",
			},
			"text": map[string]any{
				"type":        "string",
				"description": "Message template, e.g. 'Content $CONTENT_ACTION by $USER_NAME'",
			},
			"parse_mode": map[string]any{
				"type": "string",
				"enum": []any{"", "HTML", "Markdown", "MarkdownV2"},
			},
		},
		"required": []any{"token", "text"},
	}
}

func (h *Handler) CreateJob(ctx context.Context, event *models.DomainEvent, action models.Action) (models.Job, error) {
	chatIDs, err := h.targets(ctx, event, action.Config)
	if err != nil {
		return models.Job{}, err
	}

	config := Config{
		Token:     strings.TrimSpace(actions.String(action.Config, "token")),
		APIBase:   strings.TrimSpace(actions.String(action.Config, "api_base")),
		ChatIDs:   chatIDs,
		Text:      h.renderer.Render(ctx, actions.String(action.Config, "text"), event),
		ParseMode: actions.String(action.Config, "parse_mode"),
	}

	if config.APIBase == "" {
		config.APIBase = DefaultAPIBase
	}

	if err := actions.Validate(config); err != nil {
		return models.Job{}, err
	}

	description := fmt.Sprintf("Send Telegram message to %d chats", len(chatIDs))
	if len(chatIDs) == 1 {
		description = "Send Telegram message to " + chatIDs[0]
	}

	return models.Job{
		ActionKind:  Kind,
		Description: description,
		Data: Notification{
			Token:     config.Token,
			APIBase:   config.APIBase,
			ChatIDs:   config.ChatIDs,
			Text:      config.Text,
			ParseMode: config.ParseMode,
		},
	}, nil
}

// targets resolves exactly one targeting mode: a single chat_id or a chat_ids list.
func (h *Handler) targets(ctx context.Context, event *models.DomainEvent, config map[string]any) ([]string, error) {
	single := strings.TrimSpace(actions.String(config, "chat_id"))
	many := strings.TrimSpace(actions.String(config, "chat_ids"))

	switch {
	case single != "" && many != "":
		return nil, protocol.NewValidationError("chat_id", "exactly one of chat_id or chat_ids must be set")
	case single != "":
		lines := actions.Lines(h.renderer.Render(ctx, single, event))
		if len(lines) != 1 {
			return nil, protocol.NewValidationError("chat_id", "must resolve to exactly one recipient, got %d", len(lines))
		}

		return lines, nil
	case many != "":
		lines := actions.Lines(h.renderer.Render(ctx, many, event))
		if len(lines) == 0 {
			return nil, protocol.NewValidationError("chat_ids", "must resolve to at least one chat")
		}

		return lines, nil
	default:
		return nil, protocol.NewValidationError("chat_id", "exactly one of chat_id or chat_ids must be set")
	}
}

func (h *Handler) ExecuteJob(ctx context.Context, job models.Job) models.ExecutionResult {
	notification, ok := actions.JobData[Notification](job)
	if !ok {
		return models.Failed(fmt.Sprintf("unexpected job data %T", job.Data), false, "")
	}

	bot, err := h.bots.GetOrCreate(ctx, botKey{token: notification.Token, apiBase: notification.APIBase})
	if err != nil {
		return models.Failed(fmt.Sprintf("init telegram bot: %v", err), false, "")
	}

	sent := make([]string, 0, len(notification.ChatIDs))

	for _, chatID := range notification.ChatIDs {
		message, err := bot.SendMessage(ctx, &tgbot.SendMessageParams{
			ChatID:    normalizeChatID(chatID),
			Text:      notification.Text,
			ParseMode: tgmodels.ParseMode(notification.ParseMode),
		})
		if err != nil {
			h.logger.DebugContext(ctx, "telegram send failed", "chat_id", chatID, "error", err)

			return resultFromError(err, fmt.Sprintf("chat %s: %v\nsent: %s", chatID, err, strings.Join(sent, ",")))
		}

		sent = append(sent, fmt.Sprintf("%s#%d", chatID, message.ID))
	}

	return models.Complete("sent: " + strings.Join(sent, ","))
}

func resultFromError(err error, dump string) models.ExecutionResult {
	var tooMany *tgbot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		return models.Retry(time.Duration(tooMany.RetryAfter)*time.Second, "too many requests", dump)
	}

	switch {
	case errors.Is(err, context.Canceled):
		return actions.ErrorResult(err, dump)
	case errors.Is(err, tgbot.ErrorBadRequest), errors.Is(err, tgbot.ErrorForbidden),
		errors.Is(err, tgbot.ErrorUnauthorized), errors.Is(err, tgbot.ErrorNotFound):
		return models.Failed(err.Error(), false, dump)
	default:
		return models.Failed(err.Error(), true, dump)
	}
}

// normalizeChatID keeps numeric ids as int64 and channel usernames as strings.
func normalizeChatID(raw string) any {
	if numeric, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return numeric
	}

	return raw
}

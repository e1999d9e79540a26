package log_action

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/ruleflow/pkg/actions"
	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/protocol"
)

const Kind = "log"

// Entry is the job data of a log job.
type Entry struct {
	Message string `json:"message"`
	Level   string `json:"level"   validate:"oneof=debug info warn warning error"`
}

// LogAction writes the rendered message to the process logger.
type LogAction struct {
	renderer protocol.Renderer
	logger   *slog.Logger
}

func NewLogAction(renderer protocol.Renderer, logger *slog.Logger) *LogAction {
	return &LogAction{renderer: renderer, logger: logger.With("action_kind", Kind)}
}

func (*LogAction) Kind() string { return Kind }

func (*LogAction) Name() string { return "Log" }

func (*LogAction) Description() string {
	return "Logs a message at a specified level. Supports placeholders for dynamic content."
}

func (*LogAction) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "The message to log. Supports placeholders for dynamic content.",
				"examples": []any{
					"Rule fired",
					"Content $CONTENT_ACTION in $SCHEMA_NAME by $USER_NAME",
				},
			},
			"level": map[string]any{
				"type":        "string",
				"description": "Log level for the message",
				"default":     "info",
				"enum":        []any{"debug", "info", "warn", "warning", "error"},
			},
		},
		"required": []any{"message"},
	}
}

func (a *LogAction) CreateJob(ctx context.Context, event *models.DomainEvent, action models.Action) (models.Job, error) {
	entry := Entry{
		Message: a.renderer.Render(ctx, actions.String(action.Config, "message"), event),
		Level:   strings.ToLower(strings.TrimSpace(actions.String(action.Config, "level"))),
	}

	if entry.Level == "" {
		entry.Level = "info"
	}

	if err := actions.Validate(entry); err != nil {
		return models.Job{}, err
	}

	return models.Job{
		ActionKind:  Kind,
		Description: fmt.Sprintf("Log %s message", entry.Level),
		Data:        entry,
	}, nil
}

func (a *LogAction) ExecuteJob(ctx context.Context, job models.Job) models.ExecutionResult {
	entry, ok := actions.JobData[Entry](job)
	if !ok {
		return models.Failed(fmt.Sprintf("unexpected job data %T", job.Data), false, "")
	}

	a.logger.Log(ctx, level(entry.Level), entry.Message, "job_id", job.ID)

	return models.Complete(entry.Message)
}

func level(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

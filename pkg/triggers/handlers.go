// Package triggers decides which rules of an app fire for a domain event.
package triggers

import (
	"context"
	"log/slog"

	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/protocol"
)

// conditions evaluates scripted trigger conditions. Evaluation errors are
// logged and treated as a non-match.
type conditions struct {
	scripts protocol.ScriptEvaluator
	logger  *slog.Logger
}

func (c conditions) match(ctx context.Context, expr string, event *models.DomainEvent, rule *models.Rule) bool {
	if expr == "" {
		return true
	}

	if c.scripts == nil {
		c.logger.WarnContext(ctx, "no script evaluator configured, condition does not match",
			"rule_id", rule.ID, "condition", expr)

		return false
	}

	matched, err := c.scripts.Evaluate(ctx, expr, Vars(event))
	if err != nil {
		c.logger.WarnContext(ctx, "failed to evaluate trigger condition",
			"rule_id", rule.ID, "condition", expr, "error", err)

		return false
	}

	return matched
}

// Vars is the variable scope exposed to conditions.
func Vars(event *models.DomainEvent) map[string]any {
	return map[string]any{"event": event}
}

// Handlers returns one handler per trigger kind.
func Handlers(scripts protocol.ScriptEvaluator, logger *slog.Logger) []protocol.TriggerHandler {
	c := conditions{scripts: scripts, logger: logger.With("module", "triggers")}

	return []protocol.TriggerHandler{
		&ContentChangedTrigger{conditions: c},
		&eventKindTrigger{conditions: c, kind: models.TriggerAssetChanged, eventKind: models.EventKindAsset},
		&eventKindTrigger{conditions: c, kind: models.TriggerSchemaChanged, eventKind: models.EventKindSchema},
		&eventKindTrigger{conditions: c, kind: models.TriggerComment, eventKind: models.EventKindComment},
		&UsageTrigger{conditions: c},
		&ruleScopedTrigger{conditions: c, kind: models.TriggerCronJob, eventKind: models.EventKindCronJob},
		&ruleScopedTrigger{conditions: c, kind: models.TriggerManual, eventKind: models.EventKindManual},
	}
}

// ContentChangedTrigger fires for content events of the configured schemas.
// An empty schema list matches every schema.
type ContentChangedTrigger struct {
	conditions
}

func (*ContentChangedTrigger) Kind() models.TriggerKind { return models.TriggerContentChanged }

func (*ContentChangedTrigger) Handles(event *models.DomainEvent) bool {
	return event.Kind == models.EventKindContent && event.Content != nil
}

func (t *ContentChangedTrigger) Trigger(ctx context.Context, event *models.DomainEvent, rule *models.Rule) (bool, protocol.SkipReason) {
	trigger := rule.Trigger

	if len(trigger.Schemas) > 0 {
		filter, ok := findSchema(trigger.Schemas, event.Content.Schema.ID)
		if !ok {
			return false, protocol.SkipEventMismatch
		}

		if !t.match(ctx, filter.Condition, event, rule) {
			return false, protocol.SkipConditionDoesNotMatch
		}
	}

	if !t.match(ctx, trigger.Condition, event, rule) {
		return false, protocol.SkipConditionDoesNotMatch
	}

	return true, protocol.SkipNone
}

func findSchema(filters []models.SchemaFilter, schemaID string) (models.SchemaFilter, bool) {
	for _, filter := range filters {
		if filter.SchemaID == schemaID {
			return filter, true
		}
	}

	return models.SchemaFilter{}, false
}

// eventKindTrigger matches every event of one kind, subject to the condition.
type eventKindTrigger struct {
	conditions

	kind      models.TriggerKind
	eventKind models.EventKind
}

func (t *eventKindTrigger) Kind() models.TriggerKind { return t.kind }

func (t *eventKindTrigger) Handles(event *models.DomainEvent) bool {
	return event.Kind == t.eventKind && event.Payload() != nil
}

func (t *eventKindTrigger) Trigger(ctx context.Context, event *models.DomainEvent, rule *models.Rule) (bool, protocol.SkipReason) {
	if !t.match(ctx, rule.Trigger.Condition, event, rule) {
		return false, protocol.SkipConditionDoesNotMatch
	}

	return true, protocol.SkipNone
}

// ruleScopedTrigger matches events addressed to one rule: cron ticks and manual runs.
type ruleScopedTrigger struct {
	conditions

	kind      models.TriggerKind
	eventKind models.EventKind
}

func (t *ruleScopedTrigger) Kind() models.TriggerKind { return t.kind }

func (t *ruleScopedTrigger) Handles(event *models.DomainEvent) bool {
	return event.Kind == t.eventKind && event.Payload() != nil
}

func (t *ruleScopedTrigger) Trigger(ctx context.Context, event *models.DomainEvent, rule *models.Rule) (bool, protocol.SkipReason) {
	var ruleID string

	switch {
	case event.CronJob != nil:
		ruleID = event.CronJob.RuleID
	case event.Manual != nil:
		ruleID = event.Manual.RuleID
	}

	if ruleID != rule.ID {
		return false, protocol.SkipEventMismatch
	}

	if !t.match(ctx, rule.Trigger.Condition, event, rule) {
		return false, protocol.SkipConditionDoesNotMatch
	}

	return true, protocol.SkipNone
}

// UsageTrigger fires for usage events raised for the rule once calls pass its limit.
type UsageTrigger struct {
	conditions
}

func (*UsageTrigger) Kind() models.TriggerKind { return models.TriggerUsage }

func (*UsageTrigger) Handles(event *models.DomainEvent) bool {
	return event.Kind == models.EventKindUsage && event.Usage != nil
}

func (t *UsageTrigger) Trigger(ctx context.Context, event *models.DomainEvent, rule *models.Rule) (bool, protocol.SkipReason) {
	usage := event.Usage

	if usage.RuleID != "" && usage.RuleID != rule.ID {
		return false, protocol.SkipEventMismatch
	}

	if rule.Trigger.Limit > 0 && usage.CallsCurrent < rule.Trigger.Limit {
		return false, protocol.SkipEventMismatch
	}

	if !t.match(ctx, rule.Trigger.Condition, event, rule) {
		return false, protocol.SkipConditionDoesNotMatch
	}

	return true, protocol.SkipNone
}

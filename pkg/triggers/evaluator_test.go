package triggers_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/ruleflow/pkg/mocks"
	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/protocol"
	"github.com/dukex/ruleflow/pkg/registry"
	"github.com/dukex/ruleflow/pkg/scripting"
	"github.com/dukex/ruleflow/pkg/triggers"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newEvaluator(t *testing.T, scripts protocol.ScriptEvaluator) *triggers.Evaluator {
	t.Helper()

	reg := registry.New(slog.Default())
	for _, handler := range triggers.Handlers(scripts, slog.Default()) {
		reg.RegisterTrigger(handler)
	}

	return triggers.NewEvaluator(reg, triggers.WithClock(clockwork.NewFakeClockAt(now)))
}

func contentEvent(schemaID string) *models.DomainEvent {
	return models.NewDomainEvent(models.EventHeaders{
		EventID:   "evt-1",
		Timestamp: now.Add(-time.Minute),
	}, &models.ContentEvent{
		App:       models.NamedID{ID: "app-1", Name: "shop"},
		Schema:    models.NamedID{ID: schemaID, Name: "products"},
		ContentID: "c-1",
		Type:      models.ContentCreated,
		Data:      map[string]any{"price": map[string]any{"iv": 12}},
	})
}

func rule(id string, trigger *models.Trigger) *models.Rule {
	return &models.Rule{
		ID:      id,
		AppID:   "app-1",
		Enabled: true,
		Trigger: trigger,
		Action:  &models.Action{Kind: "log"},
	}
}

func TestEvaluateRule_SkipReasons(t *testing.T) {
	evaluator := newEvaluator(t, scripting.NewCUEEvaluator())
	content := &models.Trigger{Kind: models.TriggerContentChanged}

	testCases := []struct {
		name     string
		rule     func() *models.Rule
		event    func() *models.DomainEvent
		expected protocol.SkipReason
	}{
		{
			name:     "matches",
			rule:     func() *models.Rule { return rule("r", content) },
			event:    func() *models.DomainEvent { return contentEvent("s1") },
			expected: protocol.SkipNone,
		},
		{
			name: "disabled",
			rule: func() *models.Rule {
				r := rule("r", content)
				r.Enabled = false

				return r
			},
			event:    func() *models.DomainEvent { return contentEvent("s1") },
			expected: protocol.SkipDisabled,
		},
		{
			name:     "no trigger",
			rule:     func() *models.Rule { return rule("r", nil) },
			event:    func() *models.DomainEvent { return contentEvent("s1") },
			expected: protocol.SkipNoTrigger,
		},
		{
			name: "no action",
			rule: func() *models.Rule {
				r := rule("r", content)
				r.Action = nil

				return r
			},
			event:    func() *models.DomainEvent { return contentEvent("s1") },
			expected: protocol.SkipNoAction,
		},
		{
			name: "produced by a rule",
			rule: func() *models.Rule { return rule("r", content) },
			event: func() *models.DomainEvent {
				e := contentEvent("s1")
				e.Headers.FromRule = true

				return e
			},
			expected: protocol.SkipFromRule,
		},
		{
			name: "too old",
			rule: func() *models.Rule { return rule("r", content) },
			event: func() *models.DomainEvent {
				e := contentEvent("s1")
				e.Headers.Timestamp = now.Add(-8 * 24 * time.Hour)

				return e
			},
			expected: protocol.SkipTooOld,
		},
		{
			name:     "wrong event",
			rule:     func() *models.Rule { return rule("r", &models.Trigger{Kind: models.TriggerAssetChanged}) },
			event:    func() *models.DomainEvent { return contentEvent("s1") },
			expected: protocol.SkipWrongEvent,
		},
		{
			name: "schema not in filter list",
			rule: func() *models.Rule {
				return rule("r", &models.Trigger{
					Kind:    models.TriggerContentChanged,
					Schemas: []models.SchemaFilter{{SchemaID: "s2"}},
				})
			},
			event:    func() *models.DomainEvent { return contentEvent("s1") },
			expected: protocol.SkipEventMismatch,
		},
		{
			name: "per schema condition",
			rule: func() *models.Rule {
				return rule("r", &models.Trigger{
					Kind:    models.TriggerContentChanged,
					Schemas: []models.SchemaFilter{{SchemaID: "s1", Condition: "event.content.data.price.iv > 100"}},
				})
			},
			event:    func() *models.DomainEvent { return contentEvent("s1") },
			expected: protocol.SkipConditionDoesNotMatch,
		},
		{
			name: "trigger condition matches",
			rule: func() *models.Rule {
				return rule("r", &models.Trigger{
					Kind:      models.TriggerContentChanged,
					Schemas:   []models.SchemaFilter{{SchemaID: "s1"}},
					Condition: `event.content.type == "Created"`,
				})
			},
			event:    func() *models.DomainEvent { return contentEvent("s1") },
			expected: protocol.SkipNone,
		},
		{
			name:     "unknown trigger kind",
			rule:     func() *models.Rule { return rule("r", &models.Trigger{Kind: "Webhook"}) },
			event:    func() *models.DomainEvent { return contentEvent("s1") },
			expected: protocol.SkipUnknownTrigger,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, evaluator.EvaluateRule(context.Background(), tc.event(), tc.rule()))
		})
	}
}

func TestEvaluate_ScriptErrorDoesNotAbortOtherRules(t *testing.T) {
	scripts := &mocks.MockScriptEvaluator{}
	scripts.On("Evaluate", mock.Anything, "broken(", mock.Anything).Return(false, errors.New("syntax error"))
	scripts.On("Evaluate", mock.Anything, "ok", mock.Anything).Return(true, nil)

	evaluator := newEvaluator(t, scripts)

	broken := rule("broken", &models.Trigger{Kind: models.TriggerContentChanged, Condition: "broken("})
	fine := rule("fine", &models.Trigger{Kind: models.TriggerContentChanged, Condition: "ok"})

	result := evaluator.Evaluate(context.Background(), contentEvent("s1"), []*models.Rule{broken, fine})

	require.Len(t, result.Matches, 1)
	assert.Equal(t, "fine", result.Matches[0].Rule.ID)
	require.Len(t, result.Skips, 1)
	assert.Equal(t, protocol.SkipConditionDoesNotMatch, result.Skips[0].Reason)
	assert.Equal(t, []*models.Rule{fine}, result.MatchedRules())

	scripts.AssertExpectations(t)
}

func TestEvaluate_RuleScopedTriggers(t *testing.T) {
	evaluator := newEvaluator(t, nil)

	cron := rule("cron-1", &models.Trigger{Kind: models.TriggerCronJob, Schedule: "* * * * *"})
	manual := rule("manual-1", &models.Trigger{Kind: models.TriggerManual})

	tick := models.NewDomainEvent(models.EventHeaders{EventID: "e", Timestamp: now},
		&models.CronJobEvent{App: models.NamedID{ID: "app-1"}, RuleID: "cron-1"})

	assert.Equal(t, protocol.SkipNone, evaluator.EvaluateRule(context.Background(), tick, cron))
	assert.Equal(t, protocol.SkipWrongEvent, evaluator.EvaluateRule(context.Background(), tick, manual))

	otherTick := models.NewDomainEvent(models.EventHeaders{EventID: "e", Timestamp: now},
		&models.CronJobEvent{App: models.NamedID{ID: "app-1"}, RuleID: "cron-2"})
	assert.Equal(t, protocol.SkipEventMismatch, evaluator.EvaluateRule(context.Background(), otherTick, cron))

	run := models.NewDomainEvent(models.EventHeaders{EventID: "m", Timestamp: now},
		&models.ManualEvent{App: models.NamedID{ID: "app-1"}, RuleID: "manual-1"})
	assert.Equal(t, protocol.SkipNone, evaluator.EvaluateRule(context.Background(), run, manual))
}

func TestEvaluate_UsageLimit(t *testing.T) {
	evaluator := newEvaluator(t, nil)
	usage := rule("usage-1", &models.Trigger{Kind: models.TriggerUsage, Limit: 1000, NumDays: 3})

	event := func(ruleID string, calls int64) *models.DomainEvent {
		return models.NewDomainEvent(models.EventHeaders{EventID: "u", Timestamp: now},
			&models.UsageEvent{App: models.NamedID{ID: "app-1"}, RuleID: ruleID, CallsCurrent: calls, CallsLimit: 1000})
	}

	assert.Equal(t, protocol.SkipNone, evaluator.EvaluateRule(context.Background(), event("usage-1", 1200), usage))
	assert.Equal(t, protocol.SkipEventMismatch, evaluator.EvaluateRule(context.Background(), event("usage-1", 10), usage))
	assert.Equal(t, protocol.SkipEventMismatch, evaluator.EvaluateRule(context.Background(), event("usage-2", 1200), usage))
}

func TestEvaluate_ConditionWithoutEvaluator(t *testing.T) {
	evaluator := newEvaluator(t, nil)
	asset := rule("a", &models.Trigger{Kind: models.TriggerAssetChanged, Condition: "event.asset.file_size > 10"})

	event := models.NewDomainEvent(models.EventHeaders{EventID: "a", Timestamp: now},
		&models.AssetEvent{App: models.NamedID{ID: "app-1"}, AssetID: "x", FileSize: 20})

	assert.Equal(t, protocol.SkipConditionDoesNotMatch, evaluator.EvaluateRule(context.Background(), event, asset))
}

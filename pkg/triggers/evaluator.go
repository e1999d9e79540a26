package triggers

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/protocol"
	"github.com/jonboulle/clockwork"
)

// DefaultMaxEventAge is the age after which events no longer fire rules.
const DefaultMaxEventAge = 7 * 24 * time.Hour

// TriggerLookup resolves trigger handlers by kind.
type TriggerLookup interface {
	Trigger(kind models.TriggerKind) (protocol.TriggerHandler, error)
}

type Match struct {
	Rule *models.Rule
}

type Skip struct {
	Rule   *models.Rule
	Reason protocol.SkipReason
}

type Result struct {
	Matches []Match
	Skips   []Skip
}

// MatchedRules returns the rules that fired, in evaluation order.
func (r Result) MatchedRules() []*models.Rule {
	rules := make([]*models.Rule, 0, len(r.Matches))
	for _, match := range r.Matches {
		rules = append(rules, match.Rule)
	}

	return rules
}

type Evaluator struct {
	triggers    TriggerLookup
	clock       clockwork.Clock
	maxEventAge time.Duration
	logger      *slog.Logger
}

type Option func(*Evaluator)

func WithClock(clock clockwork.Clock) Option {
	return func(e *Evaluator) { e.clock = clock }
}

func WithMaxEventAge(age time.Duration) Option {
	return func(e *Evaluator) {
		if age > 0 {
			e.maxEventAge = age
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = logger }
}

func NewEvaluator(triggers TriggerLookup, opts ...Option) *Evaluator {
	e := &Evaluator{
		triggers:    triggers,
		clock:       clockwork.NewRealClock(),
		maxEventAge: DefaultMaxEventAge,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.logger = e.logger.With("module", "trigger_evaluator")

	return e
}

// Evaluate checks every rule against the event. It never fails; rules that
// do not fire are reported with the first reason that excluded them.
func (e *Evaluator) Evaluate(ctx context.Context, event *models.DomainEvent, rules []*models.Rule) Result {
	var result Result

	for _, rule := range rules {
		reason := e.EvaluateRule(ctx, event, rule)
		if reason == protocol.SkipNone {
			result.Matches = append(result.Matches, Match{Rule: rule})

			continue
		}

		e.logger.DebugContext(ctx, "rule skipped",
			"rule_id", rule.ID,
			"event_id", event.Headers.EventID,
			"reason", reason,
		)

		result.Skips = append(result.Skips, Skip{Rule: rule, Reason: reason})
	}

	return result
}

// EvaluateRule returns SkipNone when the rule fires for the event.
func (e *Evaluator) EvaluateRule(ctx context.Context, event *models.DomainEvent, rule *models.Rule) protocol.SkipReason {
	switch {
	case !rule.Enabled:
		return protocol.SkipDisabled
	case rule.Trigger == nil:
		return protocol.SkipNoTrigger
	case !rule.HasAction():
		return protocol.SkipNoAction
	case event.Headers.FromRule:
		return protocol.SkipFromRule
	case e.clock.Since(event.Headers.Timestamp) > e.maxEventAge:
		return protocol.SkipTooOld
	}

	handler, err := e.triggers.Trigger(rule.Trigger.Kind)
	if err != nil {
		e.logger.WarnContext(ctx, "no trigger handler for rule", "rule_id", rule.ID, "kind", rule.Trigger.Kind)

		return protocol.SkipUnknownTrigger
	}

	if !handler.Handles(event) {
		return protocol.SkipWrongEvent
	}

	if ok, reason := handler.Trigger(ctx, event, rule); !ok {
		if reason == protocol.SkipNone {
			reason = protocol.SkipConditionDoesNotMatch
		}

		return reason
	}

	return protocol.SkipNone
}

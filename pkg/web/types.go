package web

import (
	"github.com/dukex/ruleflow/pkg/engine"
	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/triggers"
)

// SaveRuleRequest represents the request body for creating or replacing a rule.
type SaveRuleRequest struct {
	AppID   string                 `json:"app_id"  validate:"required"`
	Name    string                 `json:"name"    validate:"required,min=1"`
	Enabled bool                   `json:"enabled"`
	Trigger *models.Trigger        `json:"trigger" validate:"required"`
	Action  *models.Action         `json:"action"  validate:"required_without=Flow"`
	Flow    *models.FlowDefinition `json:"flow"    validate:"required_without=Action"`
}

// TriggerRuleRequest represents the request body for a manual trigger.
type TriggerRuleRequest struct {
	Value any `json:"value"`
}

// SimulateRequest simulates an event against the given rules, or against
// the stored rules of the event's app when none are given.
type SimulateRequest struct {
	Event *models.DomainEvent `json:"event" validate:"required"`
	Rules []*models.Rule      `json:"rules"`
}

type SimulateResponse struct {
	EventID string                 `json:"event_id"`
	Rules   []engine.SimulatedRule `json:"rules"`
}

// EventResponse is returned when an event was accepted in process. The
// executions are the pending snapshots stored before they started.
type EventResponse struct {
	EventID    string                       `json:"event_id"`
	Skips      []SkipResponse               `json:"skips"`
	Executions []*models.FlowExecutionState `json:"executions"`
}

type SkipResponse struct {
	RuleID string `json:"rule_id"`
	Reason string `json:"reason"`
}

// AcceptedResponse is returned when an event was queued on the bus.
type AcceptedResponse struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

func newEventResponse(outcome *engine.Outcome) EventResponse {
	return EventResponse{
		EventID:    outcome.EventID,
		Skips:      skipResponses(outcome.Skips),
		Executions: outcome.Executions,
	}
}

func skipResponses(skips []triggers.Skip) []SkipResponse {
	out := make([]SkipResponse, 0, len(skips))

	for _, skip := range skips {
		out = append(out, SkipResponse{RuleID: skip.Rule.ID, Reason: string(skip.Reason)})
	}

	return out
}

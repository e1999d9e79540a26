package engine

import (
	"context"

	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/protocol"
)

// SimulatedRule is the dry run outcome of one rule.
type SimulatedRule struct {
	RuleID     string              `json:"rule_id"`
	RuleName   string              `json:"rule_name"`
	SkipReason protocol.SkipReason `json:"skip_reason,omitempty"`
	Jobs       []SimulatedJob      `json:"jobs,omitempty"`
}

// SimulatedJob is the job a step would dispatch, or the reason it could not be built.
type SimulatedJob struct {
	StepID      string `json:"step_id"`
	ActionKind  string `json:"action_kind"`
	Description string `json:"description,omitempty"`
	Data        any    `json:"data,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Simulate evaluates rules against event and renders the jobs of the rules
// that fire. Nothing is dispatched or persisted. Step conditions are not
// evaluated, every step of a matching rule is rendered.
func (e *Engine) Simulate(ctx context.Context, event *models.DomainEvent, rules []*models.Rule) ([]SimulatedRule, error) {
	if err := e.ValidateEvent(event); err != nil {
		return nil, err
	}

	simulated := make([]SimulatedRule, 0, len(rules))

	for _, rule := range rules {
		result := SimulatedRule{RuleID: rule.ID, RuleName: rule.Name}

		if reason := e.evaluator.EvaluateRule(ctx, event, rule); reason != protocol.SkipNone {
			result.SkipReason = reason
			simulated = append(simulated, result)

			continue
		}

		for _, step := range rule.Steps() {
			result.Jobs = append(result.Jobs, e.simulateStep(ctx, event, step))
		}

		simulated = append(simulated, result)
	}

	return simulated, nil
}

// SimulateApp simulates event against the stored rules of its app.
func (e *Engine) SimulateApp(ctx context.Context, event *models.DomainEvent) ([]SimulatedRule, error) {
	if err := e.ValidateEvent(event); err != nil {
		return nil, err
	}

	rules, err := e.rules.RulesByApp(ctx, event.App().ID)
	if err != nil {
		return nil, err
	}

	return e.Simulate(ctx, event, rules)
}

func (e *Engine) simulateStep(ctx context.Context, event *models.DomainEvent, step models.StepDefinition) SimulatedJob {
	job := SimulatedJob{StepID: step.ID, ActionKind: step.Action.Kind}

	handler, err := e.actions.Action(step.Action.Kind)
	if err != nil {
		job.Error = err.Error()

		return job
	}

	if err := e.actions.ValidateAction(step.Action); err != nil {
		job.Error = err.Error()

		return job
	}

	created, err := handler.CreateJob(ctx, event, step.Action)
	if err != nil {
		job.Error = err.Error()

		return job
	}

	job.Description = created.Description
	job.Data = created.Data

	return job
}

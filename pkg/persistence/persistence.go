// Package persistence provides the storage abstraction for rules and flow executions.
package persistence

import (
	"context"

	"github.com/dukex/ruleflow/pkg/models"
)

// DefaultHistoryLimit caps ExecutionsByRule when no limit is given.
const DefaultHistoryLimit = 50

type Persistence interface {
	RuleRepository() RuleRepository
	ExecutionRepository() ExecutionRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// RuleRepository stores rule definitions.
type RuleRepository interface {
	AllRules(ctx context.Context) ([]*models.Rule, error)
	RulesByApp(ctx context.Context, appID string) ([]*models.Rule, error)
	// RuleByID returns ErrRuleNotFound when the rule does not exist.
	RuleByID(ctx context.Context, id string) (*models.Rule, error)
	SaveRule(ctx context.Context, rule *models.Rule) error
	DeleteRule(ctx context.Context, id string) error
}

// ExecutionRepository stores flow executions. Executions are archived, never deleted.
type ExecutionRepository interface {
	SaveExecution(ctx context.Context, state *models.FlowExecutionState) error
	// ExecutionByID returns ErrExecutionNotFound when the execution does not exist.
	ExecutionByID(ctx context.Context, id string) (*models.FlowExecutionState, error)
	// ExecutionsByRule returns the newest executions of a rule first.
	ExecutionsByRule(ctx context.Context, ruleID string, limit int) ([]*models.FlowExecutionState, error)
}

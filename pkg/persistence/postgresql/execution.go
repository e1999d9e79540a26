package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/persistence"
)

// ExecutionRepository handles flow execution database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// SaveExecution upserts the execution. A stored terminal status is never
// overwritten by a non-terminal one.
func (r *ExecutionRepository) SaveExecution(ctx context.Context, state *models.FlowExecutionState) error {
	document, err := json.Marshal(state)
	if err != nil {
		return persistence.NewExecutionError("SaveExecution", state.ID, fmt.Errorf("failed to marshal execution: %w", err))
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO flow_executions (id, rule_id, app_id, event_id, status, state, created_at, completed_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			state = EXCLUDED.state,
			completed_at = EXCLUDED.completed_at,
			archived_at = EXCLUDED.archived_at
		WHERE flow_executions.archived_at IS NULL OR EXCLUDED.archived_at IS NOT NULL
	`,
		state.ID,
		state.RuleID,
		state.AppID,
		state.EventID,
		string(state.Status),
		document,
		state.CreatedAt,
		state.CompletedAt,
		state.ArchivedAt,
	)
	if err != nil {
		return persistence.NewExecutionError("SaveExecution", state.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) ExecutionByID(ctx context.Context, id string) (*models.FlowExecutionState, error) {
	var document []byte

	err := r.db.QueryRowContext(ctx, `SELECT state FROM flow_executions WHERE id = $1`, id).Scan(&document)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("ExecutionByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("ExecutionByID", id, err)
	}

	var state models.FlowExecutionState
	if err := json.Unmarshal(document, &state); err != nil {
		return nil, persistence.NewExecutionError("ExecutionByID", id, fmt.Errorf("failed to unmarshal execution: %w", err))
	}

	return &state, nil
}

func (r *ExecutionRepository) ExecutionsByRule(ctx context.Context, ruleID string, limit int) ([]*models.FlowExecutionState, error) {
	if limit <= 0 {
		limit = persistence.DefaultHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT state
		FROM flow_executions
		WHERE rule_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	executions := make([]*models.FlowExecutionState, 0)

	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		var state models.FlowExecutionState
		if err := json.Unmarshal(document, &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
		}

		executions = append(executions, &state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

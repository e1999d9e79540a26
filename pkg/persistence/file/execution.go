package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/persistence"
)

// ExecutionRepository handles flow execution file operations.
type ExecutionRepository struct {
	dir string
	mu  sync.RWMutex
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(root string) *ExecutionRepository {
	return &ExecutionRepository{dir: filepath.Join(root, "executions")}
}

// SaveExecution writes the whole execution state.
func (er *ExecutionRepository) SaveExecution(_ context.Context, state *models.FlowExecutionState) error {
	if err := validateID(state.ID); err != nil {
		return persistence.NewExecutionError("SaveExecution", state.ID, err)
	}

	er.mu.Lock()
	defer er.mu.Unlock()

	if err := writeJSON(er.dir, state.ID, state); err != nil {
		return persistence.NewExecutionError("SaveExecution", state.ID, err)
	}

	return nil
}

// ExecutionByID retrieves an execution by its ID.
func (er *ExecutionRepository) ExecutionByID(_ context.Context, id string) (*models.FlowExecutionState, error) {
	if err := validateID(id); err != nil {
		return nil, persistence.NewExecutionError("ExecutionByID", id, err)
	}

	er.mu.RLock()
	defer er.mu.RUnlock()

	var state models.FlowExecutionState
	if err := readJSON(er.dir, id, &state); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewExecutionError("ExecutionByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("ExecutionByID", id, err)
	}

	return &state, nil
}

// ExecutionsByRule scans every execution file; fine for the volumes the
// file backend is meant for.
func (er *ExecutionRepository) ExecutionsByRule(_ context.Context, ruleID string, limit int) ([]*models.FlowExecutionState, error) {
	if limit <= 0 {
		limit = persistence.DefaultHistoryLimit
	}

	er.mu.RLock()
	defer er.mu.RUnlock()

	ids, err := listIDs(er.dir)
	if err != nil {
		return nil, err
	}

	executions := make([]*models.FlowExecutionState, 0)

	for _, id := range ids {
		var state models.FlowExecutionState
		if err := readJSON(er.dir, id, &state); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return nil, fmt.Errorf("failed to load execution %s: %w", id, err)
		}

		if state.RuleID == ruleID {
			executions = append(executions, &state)
		}
	}

	sort.SliceStable(executions, func(i, j int) bool {
		return executions[i].CreatedAt.After(executions[j].CreatedAt)
	})

	if len(executions) > limit {
		executions = executions[:limit]
	}

	return executions, nil
}

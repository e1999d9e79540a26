// Package protocol defines the interfaces and contracts between the engine and its pluggable handlers.
package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/ruleflow/pkg/models"
)

// ActionHandler turns an action configuration into jobs and executes them.
type ActionHandler interface {
	// Kind returns the action kind this handler is registered under
	Kind() string

	// Name returns the human-readable name for this handler
	Name() string

	// Description returns a description of what this handler sends
	Description() string

	// Schema returns the JSON schema for configuring this action
	Schema() map[string]any

	// CreateJob renders the action for one event. It must not perform network I/O.
	CreateJob(ctx context.Context, event *models.DomainEvent, action models.Action) (models.Job, error)

	// ExecuteJob performs exactly one dispatch to the sink.
	ExecuteJob(ctx context.Context, job models.Job) models.ExecutionResult
}

// Renderer renders user templates against an event.
type Renderer interface {
	Render(ctx context.Context, template string, event *models.DomainEvent) string
	RenderValue(ctx context.Context, value any, event *models.DomainEvent) any
}

// ErrValidation marks action configurations that cannot produce a job.
var ErrValidation = errors.New("invalid action configuration")

// ValidationError describes one invalid action field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}

	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidationError checks if an error was caused by an invalid action configuration.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

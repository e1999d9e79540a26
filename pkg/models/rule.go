package models

import (
	"errors"
	"fmt"
	"time"
)

// TriggerKind selects the trigger handler evaluating a rule.
type TriggerKind string

const (
	TriggerContentChanged TriggerKind = "ContentChanged"
	TriggerAssetChanged   TriggerKind = "AssetChanged"
	TriggerSchemaChanged  TriggerKind = "SchemaChanged"
	TriggerComment        TriggerKind = "Comment"
	TriggerUsage          TriggerKind = "Usage"
	TriggerCronJob        TriggerKind = "CronJob"
	TriggerManual         TriggerKind = "Manual"
)

// Rule is a user defined (trigger, action) pair scoped to an app.
type Rule struct {
	ID        string          `json:"id"                 validate:"required"`
	AppID     string          `json:"app_id"             validate:"required"`
	Name      string          `json:"name"`
	Enabled   bool            `json:"enabled"`
	Trigger   *Trigger        `json:"trigger,omitempty"`
	Action    *Action         `json:"action,omitempty"`
	Flow      *FlowDefinition `json:"flow,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// HasAction reports whether the rule defines anything to execute.
func (r *Rule) HasAction() bool {
	if r.Flow != nil && len(r.Flow.Steps) > 0 {
		return true
	}

	return r.Action != nil && r.Action.Kind != ""
}

// Steps returns the flow steps of the rule. A rule without a flow runs
// a single implicit step built from its action.
func (r *Rule) Steps() []StepDefinition {
	if r.Flow != nil && len(r.Flow.Steps) > 0 {
		return r.Flow.Steps
	}

	if r.Action == nil {
		return nil
	}

	return []StepDefinition{{
		ID:     "main",
		Name:   r.Name,
		Action: *r.Action,
	}}
}

// Trigger is a tagged variant; only the fields of its Kind are meaningful.
type Trigger struct {
	Kind TriggerKind `json:"kind" validate:"required"`

	// Condition is an optional scripted boolean expression over the event.
	Condition string `json:"condition,omitempty"`

	Schemas []SchemaFilter `json:"schemas,omitempty"`

	Limit   int64 `json:"limit,omitempty"`
	NumDays int   `json:"num_days,omitempty"`

	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Value    any    `json:"value,omitempty"`
}

// SchemaFilter scopes a ContentChanged trigger to one schema.
type SchemaFilter struct {
	SchemaID  string `json:"schema_id" validate:"required"`
	Condition string `json:"condition,omitempty"`
}

// Action selects a handler by kind; Config holds its connection parameters
// and templated fields.
type Action struct {
	Kind   string         `json:"kind"   validate:"required"`
	Config map[string]any `json:"config"`
}

// FlowDefinition is an ordered, possibly branching, set of steps.
type FlowDefinition struct {
	Steps []StepDefinition `json:"steps" validate:"dive"`
}

type StepDefinition struct {
	ID   string `json:"id"   validate:"required"`
	Name string `json:"name"`

	Action Action `json:"action"`

	// Condition skips the step when it evaluates to false.
	Condition string   `json:"condition,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`

	// Optional steps never fail the flow.
	Optional bool          `json:"optional,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

var (
	ErrDuplicateStep     = errors.New("duplicate step id")
	ErrUnknownDependency = errors.New("unknown step dependency")
	ErrCyclicFlow        = errors.New("flow contains a dependency cycle")
)

// Validate checks step ids, dependency references and rejects cycles.
func (f *FlowDefinition) Validate() error {
	index := make(map[string]StepDefinition, len(f.Steps))

	for _, step := range f.Steps {
		if _, exists := index[step.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateStep, step.ID)
		}

		index[step.ID] = step
	}

	for _, step := range f.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("%w: step %s depends on %s", ErrUnknownDependency, step.ID, dep)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)

	marks := make(map[string]int, len(f.Steps))

	var visit func(id string) error

	visit = func(id string) error {
		switch marks[id] {
		case visiting:
			return fmt.Errorf("%w at step %s", ErrCyclicFlow, id)
		case done:
			return nil
		}

		marks[id] = visiting

		for _, dep := range index[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}

		marks[id] = done

		return nil
	}

	for _, step := range f.Steps {
		if marks[step.ID] == unvisited {
			if err := visit(step.ID); err != nil {
				return err
			}
		}
	}

	return nil
}

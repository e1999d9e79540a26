package models

import (
	"errors"
	"fmt"
	"time"
)

// ExecutionStatus is the status vocabulary shared by flow executions and steps.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "Pending"
	StatusScheduled ExecutionStatus = "Scheduled"
	StatusRunning   ExecutionStatus = "Running"
	StatusRetry     ExecutionStatus = "Retry"
	StatusSkipped   ExecutionStatus = "Skipped"
	StatusFailed    ExecutionStatus = "Failed"
	StatusCancelled ExecutionStatus = "Cancelled"
	StatusCompleted ExecutionStatus = "Completed"
)

func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// ErrTerminalState is returned when a transition leaves a terminal status.
var ErrTerminalState = errors.New("execution already in terminal state")

// FlowExecutionState is the per (rule, event) execution record.
type FlowExecutionState struct {
	ID          string          `json:"id"`
	RuleID      string          `json:"rule_id"`
	AppID       string          `json:"app_id"`
	EventID     string          `json:"event_id"`
	Event       *DomainEvent    `json:"event,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Steps       []*StepState    `json:"steps"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	ArchivedAt  *time.Time      `json:"archived_at,omitempty"`
}

// TransitionTo moves the execution forward. Terminal states never change.
func (s *FlowExecutionState) TransitionTo(status ExecutionStatus, now time.Time) error {
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrTerminalState, s.Status, status)
	}

	if s.Status == StatusRunning && status == StatusPending {
		return fmt.Errorf("invalid transition %s -> %s", s.Status, status)
	}

	s.Status = status

	switch {
	case status == StatusRunning && s.StartedAt == nil:
		s.StartedAt = &now
	case status.IsTerminal():
		s.CompletedAt = &now
		s.ArchivedAt = &now
	}

	return nil
}

// Step returns the state of the step with the given id.
func (s *FlowExecutionState) Step(id string) *StepState {
	for _, step := range s.Steps {
		if step.StepID == id {
			return step
		}
	}

	return nil
}

// Clone returns a copy that shares no mutable slices with s.
func (s *FlowExecutionState) Clone() *FlowExecutionState {
	c := *s

	c.Steps = make([]*StepState, len(s.Steps))
	for i, step := range s.Steps {
		sc := *step
		sc.DependsOn = append([]string(nil), step.DependsOn...)
		sc.Attempts = append([]Attempt(nil), step.Attempts...)
		c.Steps[i] = &sc
	}

	return &c
}

type StepState struct {
	StepID        string          `json:"step_id"`
	Name          string          `json:"name"`
	DependsOn     []string        `json:"depends_on,omitempty"`
	Optional      bool            `json:"optional,omitempty"`
	Status        ExecutionStatus `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	Attempts      []Attempt       `json:"attempts"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
}

// AppendAttempt records an attempt; attempts are numbered from 1 in order.
func (s *StepState) AppendAttempt(attempt Attempt) {
	attempt.Number = len(s.Attempts) + 1
	s.Attempts = append(s.Attempts, attempt)
}

// Finish sets a terminal status unless the step already has one.
func (s *StepState) Finish(status ExecutionStatus, reason string) {
	if s.Status.IsTerminal() {
		return
	}

	s.Status = status
	s.Reason = reason
	s.NextAttemptAt = nil
}

// Attempt is one try of a single step.
type Attempt struct {
	Number      int             `json:"number"`
	JobID       string          `json:"job_id,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Log         []LogLine       `json:"log"`
	Result      ExecutionResult `json:"result"`
	RetryDelay  time.Duration   `json:"retry_delay,omitempty"`
}

type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Dump      string    `json:"dump,omitempty"`
}

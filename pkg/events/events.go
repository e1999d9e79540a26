// Package events defines the messages exchanged on the event bus: domain
// events entering the engine and flow execution lifecycle notifications.
package events

import (
	"time"

	"github.com/dukex/ruleflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topics.
const Topic = "ruleflow.events"                     // Flow execution lifecycle events
const DomainEventsTopic = "ruleflow.domain-events" // Domain events consumed by workers
const ControlTopic = "ruleflow.control"             // Requests every worker receives

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	DomainEventReceivedEvent EventType = "domain.event.received"

	// Flow execution lifecycle events.
	FlowExecutionStartedEvent   EventType = "flow.execution.started"
	FlowExecutionAttemptedEvent EventType = "flow.execution.attempted"
	FlowExecutionCompletedEvent EventType = "flow.execution.completed"
	FlowExecutionFailedEvent    EventType = "flow.execution.failed"
	FlowExecutionCancelledEvent EventType = "flow.execution.cancelled"

	ExecutionCancelRequestedEvent EventType = "execution.cancel.requested"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	AppID     string         `json:"app_id"`
	RuleID    string         `json:"rule_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// DomainEventReceived carries a domain event into the engine.
type DomainEventReceived struct {
	BaseEvent

	Event *models.DomainEvent `json:"event"`
}

func (d DomainEventReceived) GetType() EventType {
	return DomainEventReceivedEvent
}

type FlowExecutionStarted struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	EventID     string `json:"event_id"`
	Steps       int    `json:"steps"`
}

func (f FlowExecutionStarted) GetType() EventType {
	return FlowExecutionStartedEvent
}

// FlowExecutionAttempted is published after every recorded attempt.
type FlowExecutionAttempted struct {
	BaseEvent

	ExecutionID string              `json:"execution_id"`
	StepID      string              `json:"step_id"`
	Attempt     int                 `json:"attempt"`
	Status      models.ResultStatus `json:"status"`
	Reason      string              `json:"reason,omitempty"`
	RetryDelay  time.Duration       `json:"retry_delay,omitempty"`
}

func (f FlowExecutionAttempted) GetType() EventType {
	return FlowExecutionAttemptedEvent
}

type FlowExecutionCompleted struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	DurationMs  int64  `json:"duration_ms"`
}

func (f FlowExecutionCompleted) GetType() EventType {
	return FlowExecutionCompletedEvent
}

type FlowExecutionFailed struct {
	BaseEvent

	ExecutionID string   `json:"execution_id"`
	DurationMs  int64    `json:"duration_ms"`
	FailedSteps []string `json:"failed_steps"`
	Reason      string   `json:"reason"`
}

func (f FlowExecutionFailed) GetType() EventType {
	return FlowExecutionFailedEvent
}

type FlowExecutionCancelled struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	DurationMs  int64  `json:"duration_ms"`
	Reason      string `json:"reason"`
}

func (f FlowExecutionCancelled) GetType() EventType {
	return FlowExecutionCancelledEvent
}

// ExecutionCancelRequested asks the process driving an execution to cancel it.
type ExecutionCancelRequested struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
}

func (e ExecutionCancelRequested) GetType() EventType {
	return ExecutionCancelRequestedEvent
}

func NewBaseEvent(eventType EventType, appID, ruleID string, now time.Time) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: now.UTC(),
		AppID:     appID,
		RuleID:    ruleID,
		Metadata:  make(map[string]any),
	}
}

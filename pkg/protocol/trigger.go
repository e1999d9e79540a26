package protocol

import (
	"context"

	"github.com/dukex/ruleflow/pkg/models"
)

// SkipReason explains why a rule did not fire for an event.
type SkipReason string

const (
	SkipNone                  SkipReason = ""
	SkipDisabled              SkipReason = "Disabled"
	SkipNoTrigger             SkipReason = "NoTrigger"
	SkipNoAction              SkipReason = "NoAction"
	SkipFromRule              SkipReason = "FromRule"
	SkipTooOld                SkipReason = "TooOld"
	SkipWrongEvent            SkipReason = "WrongEvent"
	SkipEventMismatch         SkipReason = "EventMismatch"
	SkipConditionDoesNotMatch SkipReason = "ConditionDoesNotMatch"
	SkipUnknownTrigger        SkipReason = "UnknownTrigger"
)

// TriggerHandler decides whether a trigger of its kind matches an event.
type TriggerHandler interface {
	Kind() models.TriggerKind

	// Handles reports whether the event kind can satisfy this trigger kind.
	Handles(event *models.DomainEvent) bool

	// Trigger applies scoping and conditions; it never returns an error.
	Trigger(ctx context.Context, event *models.DomainEvent, rule *models.Rule) (bool, SkipReason)
}

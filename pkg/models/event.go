// Package models defines the core domain models for rule and flow execution.
package models

import (
	"strings"
	"time"
)

// EventKind identifies the payload carried by a DomainEvent.
type EventKind string

const (
	EventKindContent EventKind = "content"
	EventKindAsset   EventKind = "asset"
	EventKindSchema  EventKind = "schema"
	EventKindComment EventKind = "comment"
	EventKindUsage   EventKind = "usage"
	EventKindCronJob EventKind = "cronjob"
	EventKindManual  EventKind = "manual"
)

// RefTokenType distinguishes interactive users from machine clients.
type RefTokenType string

const (
	RefTokenSubject RefTokenType = "subject"
	RefTokenClient  RefTokenType = "client"
)

// RefToken identifies the actor that caused an event.
type RefToken struct {
	Type       RefTokenType `json:"type"`
	Identifier string       `json:"identifier"`
}

func (t RefToken) IsClient() bool {
	return t.Type == RefTokenClient
}

func (t RefToken) IsEmpty() bool {
	return strings.TrimSpace(t.Identifier) == ""
}

func (t RefToken) String() string {
	return string(t.Type) + ":" + t.Identifier
}

// EventHeaders carries the envelope metadata of a domain event.
type EventHeaders struct {
	EventID   string    `json:"event_id"  validate:"required"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Actor     RefToken  `json:"actor"`
	// FromRule marks events that were produced by a rule action.
	FromRule bool `json:"from_rule,omitempty"`
}

// NamedID references an app or schema by id and name.
type NamedID struct {
	ID   string `json:"id"   validate:"required"`
	Name string `json:"name"`
}

// EventPayload is implemented by every concrete event payload.
type EventPayload interface {
	EventKind() EventKind
	AppRef() NamedID
}

// DomainEvent is an immutable envelope around exactly one payload.
type DomainEvent struct {
	Headers EventHeaders  `json:"headers"           validate:"required"`
	Kind    EventKind     `json:"kind"              validate:"required"`
	Content *ContentEvent `json:"content,omitempty"`
	Asset   *AssetEvent   `json:"asset,omitempty"`
	Schema  *SchemaEvent  `json:"schema,omitempty"`
	Comment *CommentEvent `json:"comment,omitempty"`
	Usage   *UsageEvent   `json:"usage,omitempty"`
	CronJob *CronJobEvent `json:"cronjob,omitempty"`
	Manual  *ManualEvent  `json:"manual,omitempty"`
}

// NewDomainEvent wraps a payload into an envelope with the given headers.
func NewDomainEvent(headers EventHeaders, payload EventPayload) *DomainEvent {
	event := &DomainEvent{Headers: headers, Kind: payload.EventKind()}

	switch p := payload.(type) {
	case *ContentEvent:
		event.Content = p
	case *AssetEvent:
		event.Asset = p
	case *SchemaEvent:
		event.Schema = p
	case *CommentEvent:
		event.Comment = p
	case *UsageEvent:
		event.Usage = p
	case *CronJobEvent:
		event.CronJob = p
	case *ManualEvent:
		event.Manual = p
	}

	return event
}

// Payload returns the populated payload matching Kind, or nil.
//
//nolint:ireturn
func (e *DomainEvent) Payload() EventPayload {
	switch e.Kind {
	case EventKindContent:
		if e.Content != nil {
			return e.Content
		}
	case EventKindAsset:
		if e.Asset != nil {
			return e.Asset
		}
	case EventKindSchema:
		if e.Schema != nil {
			return e.Schema
		}
	case EventKindComment:
		if e.Comment != nil {
			return e.Comment
		}
	case EventKindUsage:
		if e.Usage != nil {
			return e.Usage
		}
	case EventKindCronJob:
		if e.CronJob != nil {
			return e.CronJob
		}
	case EventKindManual:
		if e.Manual != nil {
			return e.Manual
		}
	}

	return nil
}

// App returns the app the event belongs to.
func (e *DomainEvent) App() NamedID {
	payload := e.Payload()
	if payload == nil {
		return NamedID{}
	}

	return payload.AppRef()
}

// SchemaRef returns the schema of schema-scoped events.
func (e *DomainEvent) SchemaRef() (NamedID, bool) {
	switch {
	case e.Kind == EventKindContent && e.Content != nil:
		return e.Content.Schema, true
	case e.Kind == EventKindSchema && e.Schema != nil:
		return e.Schema.Schema, true
	default:
		return NamedID{}, false
	}
}

// ContentEventType enumerates content lifecycle changes.
type ContentEventType string

const (
	ContentCreated       ContentEventType = "Created"
	ContentUpdated       ContentEventType = "Updated"
	ContentStatusChanged ContentEventType = "StatusChanged"
	ContentDeleted       ContentEventType = "Deleted"
)

type ContentEvent struct {
	App       NamedID          `json:"app"`
	Schema    NamedID          `json:"schema"`
	ContentID string           `json:"content_id"`
	Type      ContentEventType `json:"type"`
	Status    string           `json:"status,omitempty"`
	Data      map[string]any   `json:"data,omitempty"`
	DataOld   map[string]any   `json:"data_old,omitempty"`
}

func (e *ContentEvent) EventKind() EventKind { return EventKindContent }
func (e *ContentEvent) AppRef() NamedID      { return e.App }

type AssetEvent struct {
	App      NamedID `json:"app"`
	AssetID  string  `json:"asset_id"`
	Type     string  `json:"type"`
	FileName string  `json:"file_name,omitempty"`
	MimeType string  `json:"mime_type,omitempty"`
	FileSize int64   `json:"file_size,omitempty"`
}

func (e *AssetEvent) EventKind() EventKind { return EventKindAsset }
func (e *AssetEvent) AppRef() NamedID      { return e.App }

type SchemaEvent struct {
	App    NamedID `json:"app"`
	Schema NamedID `json:"schema"`
	Type   string  `json:"type"`
}

func (e *SchemaEvent) EventKind() EventKind { return EventKindSchema }
func (e *SchemaEvent) AppRef() NamedID      { return e.App }

type CommentEvent struct {
	App           NamedID `json:"app"`
	Text          string  `json:"text"`
	MentionedUser string  `json:"mentioned_user,omitempty"`
	URL           string  `json:"url,omitempty"`
}

func (e *CommentEvent) EventKind() EventKind { return EventKindComment }
func (e *CommentEvent) AppRef() NamedID      { return e.App }

// UsageEvent is raised when API calls of an app pass the limit of a usage rule.
type UsageEvent struct {
	App          NamedID `json:"app"`
	RuleID       string  `json:"rule_id,omitempty"`
	CallsCurrent int64   `json:"calls_current"`
	CallsLimit   int64   `json:"calls_limit"`
}

func (e *UsageEvent) EventKind() EventKind { return EventKindUsage }
func (e *UsageEvent) AppRef() NamedID      { return e.App }

type CronJobEvent struct {
	App    NamedID `json:"app"`
	RuleID string  `json:"rule_id"`
	Value  any     `json:"value,omitempty"`
}

func (e *CronJobEvent) EventKind() EventKind { return EventKindCronJob }
func (e *CronJobEvent) AppRef() NamedID      { return e.App }

type ManualEvent struct {
	App    NamedID `json:"app"`
	RuleID string  `json:"rule_id"`
	Value  any     `json:"value,omitempty"`
}

func (e *ManualEvent) EventKind() EventKind { return EventKindManual }
func (e *ManualEvent) AppRef() NamedID      { return e.App }

// User is the resolved representation of an event actor.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

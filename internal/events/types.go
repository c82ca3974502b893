// Package events defines the canonical committed-write event schema.
// The storage layer publishes these strictly after a write commits; the
// dispatcher consumes them and nothing else.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/livegate/livegate/pkg/model"
)

// Action represents the type of committed write.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// IsValid checks if the action is a known valid type.
func (a Action) IsValid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// RecordEvent is one committed write to one record.
type RecordEvent struct {
	EventID    string       `json:"eventId"`
	Collection string       `json:"collection"`
	RecordID   string       `json:"recordId"`
	Action     Action       `json:"action"`
	Record     model.Record `json:"record,omitempty"`

	// Timestamp is Unix milliseconds at commit time.
	Timestamp int64 `json:"timestamp"`
}

// NewRecordEvent builds a RecordEvent for a committed write, stamping it
// with a fresh event ID and the current time.
func NewRecordEvent(collection string, action Action, record model.Record) *RecordEvent {
	return &RecordEvent{
		EventID:    uuid.New().String(),
		Collection: collection,
		RecordID:   record.GetID(),
		Action:     action,
		Record:     record,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// Validate checks the event is well formed enough to dispatch.
func (e *RecordEvent) Validate() error {
	if e.Collection == "" {
		return fmt.Errorf("event %s: collection is empty", e.EventID)
	}
	if !e.Action.IsValid() {
		return fmt.Errorf("event %s: invalid action %q", e.EventID, e.Action)
	}
	return nil
}

// Subject returns the pubsub subject this event is published on.
func (e *RecordEvent) Subject() string {
	return "events." + e.Collection
}

// SubjectAll is the wildcard consumers use to receive every record event.
const SubjectAll = "events.*"

package transport

import (
	"time"

	"github.com/livegate/livegate/internal/events"
	"github.com/livegate/livegate/pkg/model"
)

// Control message types. Event messages carry no Type; they are identified
// by their Action field.
const (
	TypeConnected = "connected"
	TypeHeartbeat = "heartbeat"
)

// Message is the wire payload pushed to a client over its delivery stream.
type Message struct {
	Type     string `json:"type,omitempty"`
	ClientID string `json:"clientId,omitempty"`

	Action     events.Action `json:"action,omitempty"`
	Collection string        `json:"collection,omitempty"`
	Record     model.Record  `json:"record,omitempty"`

	Timestamp string `json:"timestamp"`
}

// NewConnectedMessage is the initial handshake sent on stream creation.
func NewConnectedMessage(clientID string) Message {
	return Message{
		Type:      TypeConnected,
		ClientID:  clientID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// NewHeartbeatMessage is the fixed-interval keepalive.
func NewHeartbeatMessage() Message {
	return Message{
		Type:      TypeHeartbeat,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// NewEventMessage is a record change delivery.
func NewEventMessage(collection string, action events.Action, record model.Record, at time.Time) Message {
	return Message{
		Action:     action,
		Collection: collection,
		Record:     record,
		Timestamp:  at.UTC().Format(time.RFC3339),
	}
}

package gateway

import "encoding/json"

// Client to server message types.
const (
	TypeAuth        = "auth"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Server to client message types.
const (
	TypeAuthAck        = "auth_ack"
	TypeSubscribeAck   = "subscribe_ack"
	TypeUnsubscribeAck = "unsubscribe_ack"
	TypeError          = "error"
)

// BaseMessage is the control envelope exchanged over a stream. ID is a
// client-chosen correlation ID echoed back on acks and errors.
type BaseMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload carries a bearer token.
type AuthPayload struct {
	Token string `json:"token"`
}

// SubscribePayload asks for a live subscription on a collection,
// optionally narrowed to one record and filtered.
type SubscribePayload struct {
	Collection string `json:"collection"`
	RecordID   string `json:"recordId,omitempty"`
	Filter     string `json:"filter,omitempty"`
}

// SubscribeAckPayload returns the server-assigned subscription ID.
type SubscribeAckPayload struct {
	SubscriptionID string `json:"subscriptionId"`
}

// UnsubscribePayload names the subscription to drop.
type UnsubscribePayload struct {
	SubscriptionID string `json:"subscriptionId"`
}

// ErrorPayload explains a rejected request.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func errorMessage(id, code, message string) BaseMessage {
	return BaseMessage{
		ID:      id,
		Type:    TypeError,
		Payload: mustMarshal(ErrorPayload{Code: code, Message: message}),
	}
}

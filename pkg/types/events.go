package types

import (
	"encoding/json"
	"time"
)

// EventType names a domain event emitted by the session lifecycle.
type EventType string

const (
	EventSessionStarted   EventType = "session.started"
	EventSessionCompleted EventType = "session.completed"
	EventSessionCancelled EventType = "session.cancelled"
	EventMessageCreated   EventType = "message.created"
)

// Event is published in-process after a state change has been persisted.
type Event struct {
	Type       EventType
	SessionID  string
	RoomID     string
	ActorID    string
	OccurredAt time.Time
	Session    *PublicSession
	Message    *Message
}

// RoomBroadcast is a room-scoped frame fanned out to other processes. Payload
// is the already-encoded outbound frame. ClearRoom asks receivers to drop the
// room's local membership after delivery.
type RoomBroadcast struct {
	Origin    string          `json:"origin"`
	RoomID    string          `json:"roomId"`
	Payload   json.RawMessage `json:"payload"`
	ClearRoom bool            `json:"clearRoom,omitempty"`
}

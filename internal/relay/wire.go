package relay

import (
	"encoding/json"
	"errors"
	"time"

	"telehealth/pkg/types"
)

// Inbound message types.
const (
	TypeJoinRoom         = "join-room"
	TypeLeaveRoom        = "leave-room"
	TypeSendMessage      = "send-message"
	TypeVideoOffer       = "video-offer"
	TypeVideoAnswer      = "video-answer"
	TypeICECandidate     = "ice-candidate"
	TypeScreenShareStart = "screen-share-start"
	TypeScreenShareStop  = "screen-share-stop"
)

// Outbound-only message types.
const (
	TypeRoomJoined       = "room-joined"
	TypeUserJoined       = "user-joined"
	TypeUserLeft         = "user-left"
	TypeNewMessage       = "new-message"
	TypeSessionStarted   = "session-started"
	TypeSessionCompleted = "session-completed"
	TypeSessionCancelled = "session-cancelled"
	TypeError            = "error"
)

// signalTypes are relayed verbatim to the other sockets in a room.
var signalTypes = map[string]bool{
	TypeVideoOffer:       true,
	TypeVideoAnswer:      true,
	TypeICECandidate:     true,
	TypeScreenShareStart: true,
	TypeScreenShareStop:  true,
}

// Envelope is an inbound frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Outbound is a frame sent to sockets.
type Outbound struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type joinRoomData struct {
	SessionID string `json:"sessionId"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	UserType  string `json:"userType"`
}

type leaveRoomData struct {
	RoomID string `json:"roomId"`
}

type sendMessageData struct {
	SessionID   string             `json:"sessionId"`
	SenderID    string             `json:"senderId"`
	SenderType  string             `json:"senderType"`
	Message     string             `json:"message"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
}

// RoomJoined is sent to the socket that joined.
type RoomJoined struct {
	RoomID       string   `json:"roomId"`
	SessionID    string   `json:"sessionId"`
	Participants []string `json:"participants"`
}

// UserPresence announces a member arriving or leaving.
type UserPresence struct {
	RoomID       string   `json:"roomId"`
	UserID       string   `json:"userId"`
	UserType     string   `json:"userType"`
	Participants []string `json:"participants"`
}

// SessionNotice announces a lifecycle transition to a room.
type SessionNotice struct {
	SessionID string               `json:"sessionId"`
	RoomID    string               `json:"roomId"`
	ActorID   string               `json:"actorId,omitempty"`
	Session   *types.PublicSession `json:"session,omitempty"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorCode maps the error taxonomy to stable wire codes.
func errorCode(err error) string {
	var locked *types.LockedError
	switch {
	case errors.As(err, &locked), errors.Is(err, types.ErrRateLimited):
		return "too_many_requests"
	case errors.Is(err, types.ErrNotFound):
		return "not_found"
	case errors.Is(err, types.ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, types.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, types.ErrCapacity):
		return "capacity"
	case errors.Is(err, types.ErrInvalidInput):
		return "bad_request"
	case errors.Is(err, types.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	default:
		return "internal_error"
	}
}

// errorMessage is the client-facing text. Unclassified errors are not echoed.
func errorMessage(err error) string {
	switch errorCode(err) {
	case "internal_error":
		return "internal error"
	case "upstream_unavailable":
		return "service temporarily unavailable"
	}
	return err.Error()
}

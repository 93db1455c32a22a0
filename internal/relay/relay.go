// Package relay implements the realtime message protocol: room joins and
// leaves, chat, and signaling fan-out within a room, across processes when a
// backplane is configured.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telehealth/internal/metrics"
	"telehealth/internal/session"
	"telehealth/internal/websocket"
	"telehealth/pkg/interfaces"
	"telehealth/pkg/types"
)

// Sessions is the lifecycle surface the relay drives.
type Sessions interface {
	Lookup(ctx context.Context, sessionID string) (*types.Session, error)
	Start(ctx context.Context, sessionID, actorID string) (*types.PublicSession, error)
	UpdatePresence(ctx context.Context, sessionID string, presence types.Presence) error
	Touch(ctx context.Context, sessionID string) error
	List(ctx context.Context, filter types.SessionFilter) ([]*types.PublicSession, error)
}

// Messages persists chat messages.
type Messages interface {
	Send(ctx context.Context, req session.SendMessageRequest) (*types.Message, error)
}

// Backplane fans room broadcasts out to other processes.
type Backplane interface {
	Publish(ctx context.Context, b types.RoomBroadcast) error
}

// Config holds relay settings.
type Config struct {
	MessagesPerSecond float64
	Burst             int
	// ActivityInterval bounds how often room traffic refreshes a session's
	// lastActivityAt. Zero means one minute.
	ActivityInterval time.Duration
}

// Relay dispatches inbound realtime frames and broadcasts to rooms.
// ARCHITECTURAL DISCOVERY: The relay owns every write to the registry's room
// maps; the lifecycle reaches rooms only through events.
type Relay struct {
	registry  *websocket.Registry
	sessions  Sessions
	messages  Messages
	backplane Backplane
	limiter   *RateLimiter
	now       func() time.Time
	logger    zerolog.Logger

	activityInterval time.Duration
	touchMu          sync.Mutex
	touched          map[string]time.Time
}

var _ websocket.Dispatcher = (*Relay)(nil)

// New creates a relay. backplane may be nil for single-process deployments.
func New(registry *websocket.Registry, sessions Sessions, messages Messages, backplane Backplane, config Config) *Relay {
	interval := config.ActivityInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Relay{
		registry:         registry,
		sessions:         sessions,
		messages:         messages,
		backplane:        backplane,
		limiter:          NewRateLimiter(config.MessagesPerSecond, config.Burst),
		now:              time.Now,
		logger:           log.With().Str("component", "relay").Logger(),
		activityInterval: interval,
		touched:          make(map[string]time.Time),
	}
}

// HandleMessage decodes and dispatches one inbound frame. Failures are
// reported to the sending socket only.
func (r *Relay) HandleMessage(ctx context.Context, conn interfaces.Connection, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		metrics.RelayMessages.WithLabelValues("invalid").Inc()
		r.sendError(conn, ErrInvalidEnvelope)
		return
	}
	metrics.RelayMessages.WithLabelValues(metricLabel(env.Type)).Inc()

	if !r.limiter.Allow(conn.ID()) {
		r.sendError(conn, ErrRateLimitExceeded)
		return
	}

	var err error
	switch {
	case env.Type == TypeJoinRoom:
		err = r.joinRoom(ctx, conn, env.Data)
	case env.Type == TypeLeaveRoom:
		err = r.leaveRoom(ctx, conn, env.Data)
	case env.Type == TypeSendMessage:
		err = r.sendMessage(ctx, conn, env.Data)
	case signalTypes[env.Type]:
		err = r.relaySignal(ctx, conn, env.Type, env.Data)
	default:
		err = ErrInvalidMessageType
	}
	if err != nil {
		r.logger.Debug().Err(err).Str("type", env.Type).Str("socket_id", conn.ID()).Msg("realtime message rejected")
		r.sendError(conn, err)
	}
}

// HandleDisconnect removes the socket from every room, persists the new
// presence of each, and tells remaining members.
func (r *Relay) HandleDisconnect(ctx context.Context, conn interfaces.Connection) {
	r.limiter.Remove(conn.ID())
	for _, change := range r.registry.Disconnect(conn.ID()) {
		r.applyRoomChange(ctx, change)
	}
}

func (r *Relay) joinRoom(ctx context.Context, conn interfaces.Connection, raw json.RawMessage) error {
	var req joinRoomData
	if err := json.Unmarshal(raw, &req); err != nil {
		return ErrInvalidEnvelope
	}
	if req.RoomID == "" || req.SessionID == "" {
		return ErrMissingRoom
	}
	if req.UserID != conn.UserID() || req.UserType != conn.UserType() {
		return ErrIdentityMismatch
	}

	s, err := r.sessions.Lookup(ctx, req.SessionID)
	if err != nil {
		return err
	}
	if s.RoomID != req.RoomID {
		return ErrRoomMismatch
	}
	if s.Status.IsTerminal() {
		return ErrSessionClosed
	}
	switch req.UserType {
	case types.UserTypeStaff:
		if req.UserID != s.DoctorID {
			return ErrNotParticipant
		}
	case types.UserTypeClient:
		if req.UserID != s.ClientID || conn.SessionID() != s.ID {
			return ErrNotParticipant
		}
	default:
		return ErrNotParticipant
	}

	result, err := r.registry.Join(req.RoomID, s.ID, conn, req.UserID, req.UserType)
	if err != nil {
		return err
	}
	r.persistPresence(ctx, s.ID, result.Presence)
	r.touch(ctx, s.ID)

	_ = conn.WriteJSON(r.frame(TypeRoomJoined, RoomJoined{
		RoomID:       req.RoomID,
		SessionID:    s.ID,
		Participants: result.Presence.ConnectedUsers,
	}))
	r.Broadcast(ctx, req.RoomID, conn.ID(), r.frame(TypeUserJoined, UserPresence{
		RoomID:       req.RoomID,
		UserID:       req.UserID,
		UserType:     req.UserType,
		Participants: result.Presence.ConnectedUsers,
	}))

	// FUNCTIONAL DISCOVERY: Only the join that finds the room empty may
	// auto-start; a concurrent second join sees WasEmpty=false.
	if result.WasEmpty && s.Status == types.StatusScheduled {
		if _, err := r.sessions.Start(ctx, s.ID, req.UserID); err != nil && !errors.Is(err, types.ErrPreconditionFailed) {
			r.logger.Error().Err(err).Str("session_id", s.ID).Msg("auto-start failed")
		}
	}
	return nil
}

func (r *Relay) leaveRoom(ctx context.Context, conn interfaces.Connection, raw json.RawMessage) error {
	var req leaveRoomData
	if err := json.Unmarshal(raw, &req); err != nil {
		return ErrInvalidEnvelope
	}
	if req.RoomID == "" {
		return ErrMissingRoom
	}
	change, ok := r.registry.Leave(req.RoomID, conn.ID())
	if !ok {
		return ErrNotInRoom
	}
	r.applyRoomChange(ctx, change)
	return nil
}

func (r *Relay) sendMessage(ctx context.Context, conn interfaces.Connection, raw json.RawMessage) error {
	var req sendMessageData
	if err := json.Unmarshal(raw, &req); err != nil {
		return ErrInvalidEnvelope
	}
	if req.SenderID != conn.UserID() || req.SenderType != conn.UserType() {
		return ErrIdentityMismatch
	}
	if conn.UserType() == types.UserTypeClient && conn.SessionID() != req.SessionID {
		return ErrNotParticipant
	}
	s, err := r.sessions.Lookup(ctx, req.SessionID)
	if err != nil {
		return err
	}
	if !r.registry.InRoom(s.RoomID, conn.ID()) {
		return ErrNotInRoom
	}
	// The stored message reaches the room through the message.created event.
	_, err = r.messages.Send(ctx, session.SendMessageRequest{
		SessionID:   req.SessionID,
		SenderID:    req.SenderID,
		SenderType:  req.SenderType,
		Message:     req.Message,
		Attachments: req.Attachments,
	})
	return err
}

// relaySignal forwards a signaling frame to the other sockets of the room,
// tagged with the sender. The payload is not inspected.
func (r *Relay) relaySignal(ctx context.Context, conn interfaces.Connection, msgType string, raw json.RawMessage) error {
	fields := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return ErrInvalidEnvelope
		}
	}
	var roomID string
	if v, ok := fields["roomId"]; ok {
		_ = json.Unmarshal(v, &roomID)
	}
	if roomID == "" {
		return ErrMissingRoom
	}
	if !r.registry.InRoom(roomID, conn.ID()) {
		return ErrNotInRoom
	}

	if sessionID, ok := r.registry.SessionForRoom(roomID); ok {
		r.touch(ctx, sessionID)
	}

	fields["senderId"], _ = json.Marshal(conn.UserID())
	fields["senderType"], _ = json.Marshal(conn.UserType())
	r.Broadcast(ctx, roomID, conn.ID(), r.frame(msgType, fields))
	return nil
}

// applyRoomChange persists the room's presence after a member left and
// notifies whoever remains.
func (r *Relay) applyRoomChange(ctx context.Context, change websocket.RoomChange) {
	r.persistPresence(ctx, change.SessionID, change.Presence)
	if change.Emptied {
		return
	}
	r.Broadcast(ctx, change.RoomID, "", r.frame(TypeUserLeft, UserPresence{
		RoomID:       change.RoomID,
		UserID:       change.UserID,
		UserType:     change.UserType,
		Participants: change.Presence.ConnectedUsers,
	}))
}

func (r *Relay) persistPresence(ctx context.Context, sessionID string, presence types.Presence) {
	if sessionID == "" {
		return
	}
	if err := r.sessions.UpdatePresence(ctx, sessionID, presence); err != nil {
		r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("presence update failed")
	}
}

// touch refreshes the session's lastActivityAt at most once per
// activityInterval, so audio and video traffic keeps a consult alive.
func (r *Relay) touch(ctx context.Context, sessionID string) {
	now := r.now()
	r.touchMu.Lock()
	if last, ok := r.touched[sessionID]; ok && now.Sub(last) < r.activityInterval {
		r.touchMu.Unlock()
		return
	}
	r.touched[sessionID] = now
	if len(r.touched) > 1024 {
		for id, at := range r.touched {
			if now.Sub(at) >= r.activityInterval {
				delete(r.touched, id)
			}
		}
	}
	r.touchMu.Unlock()

	if err := r.sessions.Touch(ctx, sessionID); err != nil {
		r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("activity refresh failed")
	}
}

// Broadcast delivers frame to local members of roomID except exceptSocketID
// and publishes it to the backplane. Backplane failures are logged only.
func (r *Relay) Broadcast(ctx context.Context, roomID, exceptSocketID string, frame Outbound) {
	r.broadcast(ctx, roomID, exceptSocketID, frame, false)
}

func (r *Relay) broadcast(ctx context.Context, roomID, exceptSocketID string, frame Outbound, clear bool) {
	payload, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error().Err(err).Str("type", frame.Type).Msg("failed to encode broadcast")
		return
	}
	r.deliverLocal(roomID, exceptSocketID, payload)

	if r.backplane == nil {
		return
	}
	if err := r.backplane.Publish(ctx, types.RoomBroadcast{RoomID: roomID, Payload: payload, ClearRoom: clear}); err != nil {
		r.logger.Warn().Err(err).Str("room_id", roomID).Msg("backplane publish failed, delivered locally only")
	}
}

func (r *Relay) deliverLocal(roomID, exceptSocketID string, payload json.RawMessage) {
	for _, conn := range r.registry.RoomConnections(roomID, exceptSocketID) {
		if err := conn.WriteJSON(payload); err != nil {
			r.logger.Debug().Err(err).Str("socket_id", conn.ID()).Str("room_id", roomID).Msg("delivery failed")
		}
	}
}

func (r *Relay) sendError(conn interfaces.Connection, err error) {
	_ = conn.WriteJSON(r.frame(TypeError, ErrorData{Code: errorCode(err), Message: errorMessage(err)}))
}

func (r *Relay) frame(msgType string, data interface{}) Outbound {
	return Outbound{Type: msgType, Data: data, Timestamp: r.now().UTC()}
}

func metricLabel(msgType string) string {
	switch {
	case msgType == TypeJoinRoom, msgType == TypeLeaveRoom, msgType == TypeSendMessage, signalTypes[msgType]:
		return msgType
	}
	return "unknown"
}

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"telehealth/pkg/interfaces"
	"telehealth/pkg/types"
)

const (
	defaultMessagePage = 50
	maxMessagePage     = 200
)

// SendMessageRequest is one chat message as submitted by a participant.
type SendMessageRequest struct {
	SessionID   string             `json:"sessionId"`
	SenderID    string             `json:"senderId"`
	SenderType  string             `json:"senderType"`
	Message     string             `json:"message"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
}

// MessageService persists chat messages and announces them on the event bus.
type MessageService struct {
	store    interfaces.SessionStore
	sessions *Manager
	events   interfaces.EventPublisher
	now      func() time.Time
}

// NewMessageService creates a message service bound to the session manager.
func NewMessageService(store interfaces.SessionStore, sessions *Manager, events interfaces.EventPublisher) *MessageService {
	return &MessageService{
		store:    store,
		sessions: sessions,
		events:   events,
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (s *MessageService) SetClock(now func() time.Time) {
	s.now = now
}

// Send validates, stores, and publishes a message. The stored message, with
// its server-assigned id and timestamp, is returned.
func (s *MessageService) Send(ctx context.Context, req SendMessageRequest) (*types.Message, error) {
	ctx, span := otel.Tracer("session/MessageService").Start(ctx, "Send",
		trace.WithAttributes(attribute.String("session.id", req.SessionID)))
	defer span.End()

	session, err := s.sessions.load(ctx, req.SessionID)
	if err != nil {
		return nil, fail(span, err)
	}
	if session.Status.IsTerminal() {
		return nil, fail(span, ErrSessionClosed)
	}

	message := &types.Message{
		ID:          uuid.NewString(),
		SessionID:   req.SessionID,
		SenderID:    req.SenderID,
		SenderType:  req.SenderType,
		Message:     req.Message,
		Attachments: req.Attachments,
		Timestamp:   s.now().UTC(),
	}
	if err := message.Validate(); err != nil {
		return nil, fail(span, err)
	}
	if err := checkSender(session, message); err != nil {
		return nil, fail(span, err)
	}

	if err := s.store.StoreMessage(ctx, message); err != nil {
		return nil, fail(span, fmt.Errorf("failed to store message: %w", err))
	}
	if err := s.sessions.Touch(ctx, session.ID); err != nil {
		s.sessions.logger.Warn().Err(err).Str("session_id", session.ID).Msg("activity touch failed")
	}

	if s.events != nil {
		s.events.Publish(ctx, types.Event{
			Type:       types.EventMessageCreated,
			SessionID:  session.ID,
			RoomID:     session.RoomID,
			ActorID:    message.SenderID,
			OccurredAt: message.Timestamp,
			Message:    message,
		})
	}
	return message, nil
}

// List returns a page of the session's messages. limit is clamped to 200 and
// defaults to 50.
func (s *MessageService) List(ctx context.Context, sessionID string, limit, offset int) ([]*types.Message, error) {
	if _, err := s.sessions.load(ctx, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessagePage
	}
	if limit > maxMessagePage {
		limit = maxMessagePage
	}
	return s.store.ListMessages(ctx, sessionID, limit, offset)
}

// MarkRead marks messages not sent by readerID as read. An empty messageIDs
// marks every unread message in the session.
func (s *MessageService) MarkRead(ctx context.Context, sessionID, readerID string, messageIDs []string) (int, error) {
	if _, err := s.sessions.load(ctx, sessionID); err != nil {
		return 0, err
	}
	return s.store.MarkMessagesRead(ctx, sessionID, readerID, messageIDs)
}

// checkSender requires staff senders to be the session's doctor and client
// senders to be its client. System messages are not tied to a party.
func checkSender(session *types.Session, m *types.Message) error {
	switch m.SenderType {
	case types.UserTypeSystem:
		return nil
	case types.UserTypeStaff:
		if m.SenderID == session.DoctorID {
			return nil
		}
	case types.UserTypeClient:
		if m.SenderID == session.ClientID {
			return nil
		}
	}
	if m.SenderID == session.DoctorID || m.SenderID == session.ClientID {
		return ErrSenderTypeMismatch
	}
	return ErrNotParticipant
}

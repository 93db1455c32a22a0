package types

import (
	"strings"
	"unicode/utf8"
)

// IsValidSessionType reports whether t is a known session type.
func IsValidSessionType(t SessionType) bool {
	switch t {
	case SessionTypeVideo, SessionTypeChat, SessionTypeBoth:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsValidStatus reports whether s is one of the four lifecycle states.
func IsValidStatus(s SessionStatus) bool {
	switch s {
	case StatusScheduled, StatusActive, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsValidUserType reports whether t can send chat messages.
func IsValidUserType(t string) bool {
	switch t {
	case UserTypeStaff, UserTypeClient, UserTypeSystem:
		return true
	default:
		return false
	}
}

// Validate checks the fields required to create a session.
func (s *Session) Validate() error {
	if s.CommerceID == "" || s.ClientID == "" || s.DoctorID == "" {
		return ErrMissingParties
	}
	if !IsValidSessionType(s.Type) {
		return ErrInvalidSessionType
	}
	if s.ScheduledAt.IsZero() {
		return ErrMissingSchedule
	}
	return nil
}

// NormalizeMessage trims the body and enforces the length bound.
func NormalizeMessage(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(body) > MaxMessageLength {
		return "", ErrMessageTooLong
	}
	return body, nil
}

// Validate checks the message before it is persisted. The body is normalized
// in place.
func (m *Message) Validate() error {
	if !IsValidUserType(m.SenderType) {
		return ErrInvalidSenderType
	}
	body, err := NormalizeMessage(m.Message)
	if err != nil {
		return err
	}
	m.Message = body
	return nil
}

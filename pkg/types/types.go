package types

import (
	"time"
)

// SessionStatus is the lifecycle state of a telemedicine session.
type SessionStatus string

const (
	StatusScheduled SessionStatus = "SCHEDULED"
	StatusActive    SessionStatus = "ACTIVE"
	StatusCompleted SessionStatus = "COMPLETED"
	StatusCancelled SessionStatus = "CANCELLED"
)

// SessionType classifies which media a session uses.
type SessionType string

const (
	SessionTypeVideo SessionType = "VIDEO"
	SessionTypeChat  SessionType = "CHAT"
	SessionTypeBoth  SessionType = "BOTH"
)

// Participant roles. Staff members join as doctors, clients join as patients.
const (
	UserTypeStaff  = "staff"
	UserTypeClient = "client"
	UserTypeSystem = "system"
)

// Presence roles accepted by MarkConnected.
const (
	RoleDoctor  = "doctor"
	RolePatient = "patient"
)

// ActorSystem is recorded as endedBy/cancelledBy for automatic transitions.
const ActorSystem = "system"

// MaxMessageLength bounds chat message bodies in characters.
const MaxMessageLength = 10000

// Session is the full internal record, including access-key material.
// It must never be serialized to callers directly; use Public().
type Session struct {
	ID       string `json:"id"`
	RoomID   string `json:"roomId"`
	RoomName string `json:"roomName"`

	CommerceID       string `json:"commerceId"`
	ClientID         string `json:"clientId"`
	DoctorID         string `json:"doctorId"`
	AttentionID      string `json:"attentionId,omitempty"`
	PatientHistoryID string `json:"patientHistoryId,omitempty"`
	ClientEmail      string `json:"clientEmail,omitempty"`
	ClientPhone      string `json:"clientPhone,omitempty"`

	Type   SessionType   `json:"type"`
	Status SessionStatus `json:"status"`

	ScheduledAt    time.Time  `json:"scheduledAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	EndedBy        string     `json:"endedBy,omitempty"`
	CancelledAt    *time.Time `json:"cancelledAt,omitempty"`
	CancelledBy    string     `json:"cancelledBy,omitempty"`
	Duration       *int       `json:"duration,omitempty"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
	EndNotes       string     `json:"endNotes,omitempty"`
	Diagnosis      string     `json:"diagnosis,omitempty"`

	PatientConnectedAt *time.Time `json:"patientConnectedAt,omitempty"`
	DoctorConnectedAt  *time.Time `json:"doctorConnectedAt,omitempty"`
	ConnectedUsers     []string   `json:"connectedUsers"`
	ConnectedDoctorID  string     `json:"connectedDoctorId,omitempty"`
	ConnectedPatientID string     `json:"connectedPatientId,omitempty"`
	LastRoomActivityAt *time.Time `json:"lastRoomActivityAt,omitempty"`

	RecordingEnabled bool       `json:"recordingEnabled"`
	RecordingURL     string     `json:"recordingUrl,omitempty"`
	ConsentGiven     bool       `json:"consentGiven"`
	ConsentGivenAt   *time.Time `json:"consentGivenAt,omitempty"`

	AccessKeyHash               string     `json:"-"`
	AccessKey                   string     `json:"-"` // legacy plaintext, pre-hashing sessions only
	AccessKeySent               bool       `json:"accessKeySent"`
	AccessKeySentAt             *time.Time `json:"accessKeySentAt,omitempty"`
	AccessKeyValidated          bool       `json:"accessKeyValidated"`
	AccessKeyValidatedAt        *time.Time `json:"accessKeyValidatedAt,omitempty"`
	AccessKeyValidationAttempts int        `json:"accessKeyValidationAttempts"`
	AccessKeyLockedUntil        *time.Time `json:"accessKeyLockedUntil,omitempty"`

	Active    bool      `json:"active"`
	Available bool      `json:"available"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AccessKeyState is the access-key slice of a Session. It is persisted on
// its own so key validation never rewrites lifecycle or presence columns.
type AccessKeyState struct {
	Hash               string
	LegacyPlaintext    string
	Sent               bool
	SentAt             *time.Time
	Validated          bool
	ValidatedAt        *time.Time
	ValidationAttempts int
	LockedUntil        *time.Time
}

// KeyState returns the session's access-key fields.
func (s *Session) KeyState() AccessKeyState {
	return AccessKeyState{
		Hash:               s.AccessKeyHash,
		LegacyPlaintext:    s.AccessKey,
		Sent:               s.AccessKeySent,
		SentAt:             s.AccessKeySentAt,
		Validated:          s.AccessKeyValidated,
		ValidatedAt:        s.AccessKeyValidatedAt,
		ValidationAttempts: s.AccessKeyValidationAttempts,
		LockedUntil:        s.AccessKeyLockedUntil,
	}
}

// SetKeyState overwrites the session's access-key fields.
func (s *Session) SetKeyState(k AccessKeyState) {
	s.AccessKeyHash = k.Hash
	s.AccessKey = k.LegacyPlaintext
	s.AccessKeySent = k.Sent
	s.AccessKeySentAt = k.SentAt
	s.AccessKeyValidated = k.Validated
	s.AccessKeyValidatedAt = k.ValidatedAt
	s.AccessKeyValidationAttempts = k.ValidationAttempts
	s.AccessKeyLockedUntil = k.LockedUntil
}

// PublicSession is the caller-facing projection of a Session. It has no
// access-key secret fields, so nothing built from it can leak them.
type PublicSession struct {
	ID       string `json:"id"`
	RoomID   string `json:"roomId"`
	RoomName string `json:"roomName"`

	CommerceID       string `json:"commerceId"`
	ClientID         string `json:"clientId"`
	DoctorID         string `json:"doctorId"`
	AttentionID      string `json:"attentionId,omitempty"`
	PatientHistoryID string `json:"patientHistoryId,omitempty"`

	Type   SessionType   `json:"type"`
	Status SessionStatus `json:"status"`

	ScheduledAt    time.Time  `json:"scheduledAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	EndedBy        string     `json:"endedBy,omitempty"`
	CancelledAt    *time.Time `json:"cancelledAt,omitempty"`
	CancelledBy    string     `json:"cancelledBy,omitempty"`
	Duration       *int       `json:"duration,omitempty"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
	EndNotes       string     `json:"endNotes,omitempty"`
	Diagnosis      string     `json:"diagnosis,omitempty"`

	PatientConnectedAt *time.Time `json:"patientConnectedAt,omitempty"`
	DoctorConnectedAt  *time.Time `json:"doctorConnectedAt,omitempty"`
	ConnectedUsers     []string   `json:"connectedUsers"`
	ConnectedDoctorID  string     `json:"connectedDoctorId,omitempty"`
	ConnectedPatientID string     `json:"connectedPatientId,omitempty"`
	LastRoomActivityAt *time.Time `json:"lastRoomActivityAt,omitempty"`

	RecordingEnabled bool       `json:"recordingEnabled"`
	RecordingURL     string     `json:"recordingUrl,omitempty"`
	ConsentGiven     bool       `json:"consentGiven"`
	ConsentGivenAt   *time.Time `json:"consentGivenAt,omitempty"`

	AccessKeySent        bool       `json:"accessKeySent"`
	AccessKeySentAt      *time.Time `json:"accessKeySentAt,omitempty"`
	AccessKeyValidated   bool       `json:"accessKeyValidated"`
	AccessKeyValidatedAt *time.Time `json:"accessKeyValidatedAt,omitempty"`

	Active    bool      `json:"active"`
	Available bool      `json:"available"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Public returns the redacted projection of the session.
func (s *Session) Public() *PublicSession {
	if s == nil {
		return nil
	}
	users := make([]string, len(s.ConnectedUsers))
	copy(users, s.ConnectedUsers)
	return &PublicSession{
		ID:                   s.ID,
		RoomID:               s.RoomID,
		RoomName:             s.RoomName,
		CommerceID:           s.CommerceID,
		ClientID:             s.ClientID,
		DoctorID:             s.DoctorID,
		AttentionID:          s.AttentionID,
		PatientHistoryID:     s.PatientHistoryID,
		Type:                 s.Type,
		Status:               s.Status,
		ScheduledAt:          s.ScheduledAt,
		StartedAt:            s.StartedAt,
		EndedAt:              s.EndedAt,
		EndedBy:              s.EndedBy,
		CancelledAt:          s.CancelledAt,
		CancelledBy:          s.CancelledBy,
		Duration:             s.Duration,
		LastActivityAt:       s.LastActivityAt,
		EndNotes:             s.EndNotes,
		Diagnosis:            s.Diagnosis,
		PatientConnectedAt:   s.PatientConnectedAt,
		DoctorConnectedAt:    s.DoctorConnectedAt,
		ConnectedUsers:       users,
		ConnectedDoctorID:    s.ConnectedDoctorID,
		ConnectedPatientID:   s.ConnectedPatientID,
		LastRoomActivityAt:   s.LastRoomActivityAt,
		RecordingEnabled:     s.RecordingEnabled,
		RecordingURL:         s.RecordingURL,
		ConsentGiven:         s.ConsentGiven,
		ConsentGivenAt:       s.ConsentGivenAt,
		AccessKeySent:        s.AccessKeySent,
		AccessKeySentAt:      s.AccessKeySentAt,
		AccessKeyValidated:   s.AccessKeyValidated,
		AccessKeyValidatedAt: s.AccessKeyValidatedAt,
		Active:               s.Active,
		Available:            s.Available,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
}

// PublicSessions projects a slice of sessions.
func PublicSessions(sessions []*Session) []*PublicSession {
	out := make([]*PublicSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Public())
	}
	return out
}

// Attachment describes a file referenced by a chat message.
type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Message is one chat entry within a session.
type Message struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"sessionId"`
	SenderID    string       `json:"senderId"`
	SenderType  string       `json:"senderType"`
	Message     string       `json:"message"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	Read        bool         `json:"read"`
	ReadAt      *time.Time   `json:"readAt,omitempty"`
}

// SessionFilter composes equality and range predicates for session queries.
// Zero values are ignored.
type SessionFilter struct {
	CommerceID        string
	ClientID          string
	DoctorID          string
	Statuses          []SessionStatus
	ScheduledFrom     *time.Time
	ScheduledTo       *time.Time
	EndedBefore       *time.Time
	CancelledBefore   *time.Time
	ActiveOnly        bool
	HasConnectedUsers bool
	AccessKeySent     *bool
	Limit             int
}

// Presence is the reduced, persistable view of who is in a room.
type Presence struct {
	ConnectedUsers     []string
	ConnectedDoctorID  string
	ConnectedPatientID string
}

// Empty reports whether nobody is connected.
func (p Presence) Empty() bool {
	return len(p.ConnectedUsers) == 0
}

// StatusCounts maps each status to the number of sessions in it.
type StatusCounts map[SessionStatus]int

// AttentionPatch carries the connection markers and duration written back to
// the external attention record. Nil fields are left untouched.
type AttentionPatch struct {
	PatientConnectedAt *time.Time
	DoctorConnectedAt  *time.Time
	EndedAt            *time.Time
	Duration           *int
}

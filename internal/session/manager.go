package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"telehealth/internal/accesskey"
	"telehealth/internal/metrics"
	"telehealth/pkg/interfaces"
	"telehealth/pkg/types"
)

// InactivityNote is recorded as endNotes when the timeout job ends a session.
const InactivityNote = "Session ended automatically due to inactivity"

// Config holds lifecycle timing settings.
type Config struct {
	InactivityTimeout time.Duration
	Retention         time.Duration
}

// DefaultConfig returns a 1h inactivity timeout and 90 day retention.
func DefaultConfig() Config {
	return Config{
		InactivityTimeout: time.Hour,
		Retention:         90 * 24 * time.Hour,
	}
}

// Manager owns the session state machine. The store is the source of truth;
// sessions are shared with other processes, so nothing is cached here.
type Manager struct {
	store     interfaces.SessionStore
	attention interfaces.AttentionWriter
	events    interfaces.EventPublisher
	config    Config
	now       func() time.Time
	logger    zerolog.Logger

	// Transitions on one session are serialized within the process.
	stripes [64]sync.Mutex
}

// NewManager creates a new session manager. attention may be nil when no
// attention record is wired.
func NewManager(store interfaces.SessionStore, attention interfaces.AttentionWriter, events interfaces.EventPublisher, config Config) *Manager {
	if config.InactivityTimeout <= 0 {
		config.InactivityTimeout = DefaultConfig().InactivityTimeout
	}
	if config.Retention <= 0 {
		config.Retention = DefaultConfig().Retention
	}
	return &Manager{
		store:     store,
		attention: attention,
		events:    events,
		config:    config,
		now:       time.Now,
		logger:    log.With().Str("component", "session").Logger(),
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// CreateRequest carries the fields needed to schedule a session.
type CreateRequest struct {
	CommerceID       string            `json:"commerceId"`
	ClientID         string            `json:"clientId"`
	DoctorID         string            `json:"doctorId"`
	AttentionID      string            `json:"attentionId"`
	PatientHistoryID string            `json:"patientHistoryId"`
	ClientEmail      string            `json:"clientEmail"`
	ClientPhone      string            `json:"clientPhone"`
	RoomName         string            `json:"roomName"`
	Type             types.SessionType `json:"type"`
	ScheduledAt      time.Time         `json:"scheduledAt"`
	RecordingEnabled bool              `json:"recordingEnabled"`
}

// EndOptions carries the optional closing notes of an end transition.
type EndOptions struct {
	Notes     string `json:"notes"`
	Diagnosis string `json:"diagnosis"`
}

// Stats aggregates stored session counts.
type Stats struct {
	ActiveSessions int                `json:"activeSessions"`
	StatusCounts   types.StatusCounts `json:"statusCounts"`
}

// Create schedules a new session with a fresh room and access key. The key's
// plaintext is discarded; clients receive a code through SendAccessKey.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*types.PublicSession, error) {
	ctx, span := m.startSpan(ctx, "Create", "")
	defer span.End()

	now := m.now().UTC()
	session := &types.Session{
		ID:               uuid.NewString(),
		RoomID:           uuid.NewString(),
		RoomName:         req.RoomName,
		CommerceID:       req.CommerceID,
		ClientID:         req.ClientID,
		DoctorID:         req.DoctorID,
		AttentionID:      req.AttentionID,
		PatientHistoryID: req.PatientHistoryID,
		ClientEmail:      req.ClientEmail,
		ClientPhone:      req.ClientPhone,
		Type:             req.Type,
		Status:           types.StatusScheduled,
		ScheduledAt:      req.ScheduledAt.UTC(),
		ConnectedUsers:   []string{},
		RecordingEnabled: req.RecordingEnabled,
		Active:           true,
		Available:        true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if session.RoomName == "" {
		session.RoomName = "Consultation " + session.ID[:8]
	}
	if err := session.Validate(); err != nil {
		return nil, fail(span, err)
	}
	if _, err := accesskey.Rotate(session); err != nil {
		return nil, fail(span, err)
	}

	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, fail(span, fmt.Errorf("failed to create session: %w", err))
	}

	metrics.SessionTransitions.WithLabelValues(string(types.StatusScheduled)).Inc()
	m.logger.Info().Str("session_id", session.ID).Str("room_id", session.RoomID).
		Time("scheduled_at", session.ScheduledAt).Msg("session created")
	return session.Public(), nil
}

// Get returns the public view of a live session.
func (m *Manager) Get(ctx context.Context, sessionID string) (*types.PublicSession, error) {
	session, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return session.Public(), nil
}

// Lookup returns the full record. It is for in-process collaborators that
// need party ids; results must not be serialized to callers.
func (m *Manager) Lookup(ctx context.Context, sessionID string) (*types.Session, error) {
	return m.load(ctx, sessionID)
}

// List returns live sessions matching filter.
func (m *Manager) List(ctx context.Context, filter types.SessionFilter) ([]*types.PublicSession, error) {
	filter.ActiveOnly = true
	sessions, err := m.store.ListSessions(ctx, filter)
	if err != nil {
		return nil, err
	}
	return types.PublicSessions(sessions), nil
}

// Start moves a SCHEDULED session to ACTIVE.
func (m *Manager) Start(ctx context.Context, sessionID, actorID string) (*types.PublicSession, error) {
	ctx, span := m.startSpan(ctx, "Start", sessionID)
	defer span.End()

	unlock := m.lock(sessionID)
	session, err := m.load(ctx, sessionID)
	if err != nil {
		unlock()
		return nil, fail(span, err)
	}
	if session.Status != types.StatusScheduled {
		unlock()
		return nil, fail(span, fmt.Errorf("%w (status %s)", ErrNotScheduled, session.Status))
	}

	now := m.now().UTC()
	session.Status = types.StatusActive
	session.StartedAt = &now
	session.LastActivityAt = &now
	session.UpdatedAt = now
	if err := m.store.UpdateSession(ctx, session); err != nil {
		unlock()
		return nil, fail(span, fmt.Errorf("failed to start session: %w", err))
	}
	unlock()

	metrics.SessionTransitions.WithLabelValues(string(types.StatusActive)).Inc()
	m.logger.Info().Str("session_id", sessionID).Str("actor", actorID).Msg("session started")
	m.publish(ctx, types.EventSessionStarted, session, actorID)
	return session.Public(), nil
}

// End moves an ACTIVE session to COMPLETED. The completion event is
// published, and so broadcast to the room, before End returns. The attention
// write-back is best effort.
func (m *Manager) End(ctx context.Context, sessionID, actorID string, opts EndOptions) (*types.PublicSession, error) {
	ctx, span := m.startSpan(ctx, "End", sessionID)
	defer span.End()

	unlock := m.lock(sessionID)
	session, err := m.load(ctx, sessionID)
	if err != nil {
		unlock()
		return nil, fail(span, err)
	}
	if session.Status != types.StatusActive {
		unlock()
		return nil, fail(span, fmt.Errorf("%w (status %s)", ErrNotActive, session.Status))
	}

	now := m.now().UTC()
	started := now
	if session.StartedAt != nil {
		started = *session.StartedAt
	}
	duration := DurationMinutes(started, now)

	session.Status = types.StatusCompleted
	session.EndedAt = &now
	session.EndedBy = actorID
	session.Duration = &duration
	session.EndNotes = opts.Notes
	session.Diagnosis = opts.Diagnosis
	session.UpdatedAt = now
	clearPresence(session)
	if err := m.store.UpdateSession(ctx, session); err != nil {
		unlock()
		return nil, fail(span, fmt.Errorf("failed to end session: %w", err))
	}
	unlock()

	metrics.SessionTransitions.WithLabelValues(string(types.StatusCompleted)).Inc()
	m.logger.Info().Str("session_id", sessionID).Str("actor", actorID).Int("duration_min", duration).Msg("session completed")
	m.publish(ctx, types.EventSessionCompleted, session, actorID)

	m.writeAttention(ctx, session, types.AttentionPatch{
		PatientConnectedAt: session.PatientConnectedAt,
		DoctorConnectedAt:  session.DoctorConnectedAt,
		EndedAt:            session.EndedAt,
		Duration:           session.Duration,
	})
	return session.Public(), nil
}

// Cancel moves a non-terminal session to CANCELLED.
func (m *Manager) Cancel(ctx context.Context, sessionID, actorID string) (*types.PublicSession, error) {
	ctx, span := m.startSpan(ctx, "Cancel", sessionID)
	defer span.End()

	unlock := m.lock(sessionID)
	session, err := m.load(ctx, sessionID)
	if err != nil {
		unlock()
		return nil, fail(span, err)
	}
	if session.Status.IsTerminal() {
		unlock()
		return nil, fail(span, fmt.Errorf("%w (status %s)", ErrSessionClosed, session.Status))
	}

	now := m.now().UTC()
	session.Status = types.StatusCancelled
	session.CancelledAt = &now
	session.CancelledBy = actorID
	session.UpdatedAt = now
	clearPresence(session)
	if err := m.store.UpdateSession(ctx, session); err != nil {
		unlock()
		return nil, fail(span, fmt.Errorf("failed to cancel session: %w", err))
	}
	unlock()

	metrics.SessionTransitions.WithLabelValues(string(types.StatusCancelled)).Inc()
	m.logger.Info().Str("session_id", sessionID).Str("actor", actorID).Msg("session cancelled")
	m.publish(ctx, types.EventSessionCancelled, session, actorID)
	return session.Public(), nil
}

// MarkConnected stamps the first connection time for role ("doctor" or
// "patient"). Later calls leave the timestamp alone but still refresh
// lastActivityAt.
func (m *Manager) MarkConnected(ctx context.Context, sessionID, role string) (*types.PublicSession, error) {
	if role != types.RoleDoctor && role != types.RolePatient {
		return nil, types.ErrInvalidRole
	}

	unlock := m.lock(sessionID)
	defer unlock()

	session, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, ErrSessionClosed
	}

	now := m.now().UTC()
	var patch types.AttentionPatch
	switch role {
	case types.RoleDoctor:
		if session.DoctorConnectedAt == nil {
			session.DoctorConnectedAt = &now
			patch.DoctorConnectedAt = &now
		}
	case types.RolePatient:
		if session.PatientConnectedAt == nil {
			session.PatientConnectedAt = &now
			patch.PatientConnectedAt = &now
		}
	}
	session.LastActivityAt = &now
	session.UpdatedAt = now
	if err := m.store.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to mark connection: %w", err)
	}

	if patch.DoctorConnectedAt != nil || patch.PatientConnectedAt != nil {
		m.writeAttention(ctx, session, patch)
	}
	return session.Public(), nil
}

// GiveConsent records the client's recording consent. Repeated calls keep the
// first consent time.
func (m *Manager) GiveConsent(ctx context.Context, sessionID string) (*types.PublicSession, error) {
	return m.mutate(ctx, sessionID, func(s *types.Session, now time.Time) error {
		if s.Status.IsTerminal() {
			return ErrSessionClosed
		}
		if !s.ConsentGiven {
			s.ConsentGiven = true
			s.ConsentGivenAt = &now
		}
		return nil
	})
}

// SaveRecordingURL attaches a recording artifact. Consent is required.
func (m *Manager) SaveRecordingURL(ctx context.Context, sessionID, url string) (*types.PublicSession, error) {
	if url == "" {
		return nil, ErrMissingRecording
	}
	return m.mutate(ctx, sessionID, func(s *types.Session, now time.Time) error {
		if !s.ConsentGiven {
			return ErrConsentRequired
		}
		s.RecordingEnabled = true
		s.RecordingURL = url
		return nil
	})
}

// UpdatePresence persists the reduced presence snapshot of the session's room.
func (m *Manager) UpdatePresence(ctx context.Context, sessionID string, presence types.Presence) error {
	_, err := m.mutate(ctx, sessionID, func(s *types.Session, now time.Time) error {
		users := presence.ConnectedUsers
		if users == nil {
			users = []string{}
		}
		s.ConnectedUsers = users
		s.ConnectedDoctorID = presence.ConnectedDoctorID
		s.ConnectedPatientID = presence.ConnectedPatientID
		s.LastRoomActivityAt = &now
		return nil
	})
	return err
}

// Touch refreshes lastActivityAt on a non-terminal session.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	_, err := m.mutate(ctx, sessionID, func(s *types.Session, now time.Time) error {
		if s.Status.IsTerminal() {
			return errSkip
		}
		s.LastActivityAt = &now
		return nil
	})
	if err == errSkip {
		return nil
	}
	return err
}

// Stats returns the active count and per-status totals.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	counts, err := m.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		ActiveSessions: counts[types.StatusActive],
		StatusCounts:   counts,
	}, nil
}

// DurationMinutes rounds end-start to the nearest minute, halves rounding
// up. Negative spans are returned as is.
func DurationMinutes(start, end time.Time) int {
	return int(math.Floor(end.Sub(start).Minutes() + 0.5))
}

var errSkip = fmt.Errorf("skip")

// mutate runs a read-modify-write under the session's stripe lock.
func (m *Manager) mutate(ctx context.Context, sessionID string, fn func(*types.Session, time.Time) error) (*types.PublicSession, error) {
	unlock := m.lock(sessionID)
	defer unlock()

	session, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if err := fn(session, now); err != nil {
		return nil, err
	}
	session.UpdatedAt = now
	if err := m.store.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	return session.Public(), nil
}

// load reads a session, hiding soft-deleted records.
func (m *Manager) load(ctx context.Context, sessionID string) (*types.Session, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Active {
		return nil, interfaces.ErrSessionNotFound
	}
	return session, nil
}

func (m *Manager) lock(sessionID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	mu := &m.stripes[h.Sum32()%uint32(len(m.stripes))]
	mu.Lock()
	return mu.Unlock
}

func (m *Manager) publish(ctx context.Context, eventType types.EventType, session *types.Session, actorID string) {
	if m.events == nil {
		return
	}
	m.events.Publish(ctx, types.Event{
		Type:       eventType,
		SessionID:  session.ID,
		RoomID:     session.RoomID,
		ActorID:    actorID,
		OccurredAt: session.UpdatedAt,
		Session:    session.Public(),
	})
}

func (m *Manager) writeAttention(ctx context.Context, session *types.Session, patch types.AttentionPatch) {
	if m.attention == nil || session.AttentionID == "" {
		return
	}
	if err := m.attention.UpdateAttention(ctx, session.AttentionID, patch); err != nil {
		m.logger.Warn().Err(err).Str("session_id", session.ID).Str("attention_id", session.AttentionID).
			Msg("attention write-back failed")
	}
}

func (m *Manager) startSpan(ctx context.Context, name, sessionID string) (context.Context, trace.Span) {
	return otel.Tracer("session/Manager").Start(ctx, name,
		trace.WithAttributes(attribute.String("session.id", sessionID)))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func clearPresence(s *types.Session) {
	s.ConnectedUsers = []string{}
	s.ConnectedDoctorID = ""
	s.ConnectedPatientID = ""
}

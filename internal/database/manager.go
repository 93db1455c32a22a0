package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	dbconfig "telehealth/pkg/database"
	"telehealth/pkg/interfaces"
	"telehealth/pkg/types"
)

var (
	errClosed       = fmt.Errorf("%w: database manager is closed", types.ErrUpstreamUnavailable)
	errShuttingDown = fmt.Errorf("%w: database manager is shutting down", types.ErrUpstreamUnavailable)
	errWriteTimeout = fmt.Errorf("%w: write operation timeout", types.ErrUpstreamUnavailable)
)

// Manager is the SQLite-backed session store.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // single writer for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	logger       zerolog.Logger
}

var (
	_ interfaces.SessionStore    = (*Manager)(nil)
	_ interfaces.AttentionWriter = (*Manager)(nil)
)

// writeOperation represents a database write operation
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine. Migrations
// are applied separately through pkg/database.MigrationManager.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		logger:       log.With().Str("component", "database").Logger(),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && retryable(err) {
				m.logger.Warn().Err(err).Dur("delay", m.config.WriteRetryDelay).Msg("database write failed, retrying")
				time.Sleep(m.config.WriteRetryDelay)
				err = op.operation(m.db)
				if err != nil {
					m.logger.Error().Err(err).Msg("database write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug().Msg("database write loop shutting down")
			return
		}
	}
}

// retryable reports whether a failed write is worth one more attempt.
// Missing rows and cancelled contexts will fail the same way again.
func retryable(err error) bool {
	return !errors.Is(err, types.ErrNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timeout.C:
		return errWriteTimeout
	case <-m.shutdown:
		return errShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}

	// Once queued the operation always runs; wait for its outcome.
	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return errShuttingDown
	}
}

const sessionColumns = `id, room_id, room_name, commerce_id, client_id, doctor_id,
	attention_id, patient_history_id, client_email, client_phone, type, status,
	scheduled_at, started_at, ended_at, ended_by, cancelled_at, cancelled_by,
	duration, last_activity_at, end_notes, diagnosis,
	patient_connected_at, doctor_connected_at, connected_users,
	connected_doctor_id, connected_patient_id, last_room_activity_at,
	recording_enabled, recording_url, consent_given, consent_given_at,
	access_key_hash, access_key, access_key_sent, access_key_sent_at,
	access_key_validated, access_key_validated_at,
	access_key_validation_attempts, access_key_locked_until,
	active, available, created_at, updated_at`

const sessionColumnCount = 44

// sessionArgs returns the column values of s in sessionColumns order.
func sessionArgs(s *types.Session) ([]interface{}, error) {
	users := s.ConnectedUsers
	if users == nil {
		users = []string{}
	}
	usersJSON, err := json.Marshal(users)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal connected users: %w", err)
	}

	var duration interface{}
	if s.Duration != nil {
		duration = *s.Duration
	}

	return []interface{}{
		s.ID, s.RoomID, s.RoomName, s.CommerceID, s.ClientID, s.DoctorID,
		s.AttentionID, s.PatientHistoryID, s.ClientEmail, s.ClientPhone, string(s.Type), string(s.Status),
		s.ScheduledAt.UTC(), nullTime(s.StartedAt), nullTime(s.EndedAt), s.EndedBy, nullTime(s.CancelledAt), s.CancelledBy,
		duration, nullTime(s.LastActivityAt), s.EndNotes, s.Diagnosis,
		nullTime(s.PatientConnectedAt), nullTime(s.DoctorConnectedAt), string(usersJSON),
		s.ConnectedDoctorID, s.ConnectedPatientID, nullTime(s.LastRoomActivityAt),
		s.RecordingEnabled, s.RecordingURL, s.ConsentGiven, nullTime(s.ConsentGivenAt),
		s.AccessKeyHash, s.AccessKey, s.AccessKeySent, nullTime(s.AccessKeySentAt),
		s.AccessKeyValidated, nullTime(s.AccessKeyValidatedAt),
		s.AccessKeyValidationAttempts, nullTime(s.AccessKeyLockedUntil),
		s.Active, s.Available, s.CreatedAt.UTC(), s.UpdatedAt.UTC(),
	}, nil
}

// CreateSession inserts a new session record.
func (m *Manager) CreateSession(ctx context.Context, session *types.Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	args, err := sessionArgs(session)
	if err != nil {
		return err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", sessionColumnCount), ", ")
	query := "INSERT INTO sessions (" + sessionColumns + ") VALUES (" + placeholders + ")"

	return m.executeWrite(ctx, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by ID
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	// Reads bypass the writer and run concurrently on the pool.
	row := m.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", sessionID)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return session, nil
}

// UpdateSession overwrites the lifecycle, presence and recording columns of
// an existing session. Access-key columns are left to UpdateAccessKeyState.
func (m *Manager) UpdateSession(ctx context.Context, session *types.Session) error {
	args, err := sessionArgs(session)
	if err != nil {
		return err
	}

	columns := strings.Split(sessionColumns, ",")
	assignments := make([]string, 0, len(columns)-1)
	values := make([]interface{}, 0, len(columns))
	for i, col := range columns {
		col = strings.TrimSpace(col)
		if col == "id" || col == "created_at" || strings.HasPrefix(col, "access_key") {
			continue
		}
		assignments = append(assignments, col+" = ?")
		values = append(values, args[i])
	}
	values = append(values, session.ID)
	query := "UPDATE sessions SET " + strings.Join(assignments, ", ") + " WHERE id = ?"

	return m.executeWrite(ctx, func(db *sql.DB) error {
		result, err := db.ExecContext(ctx, query, values...)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read update result: %w", err)
		}
		if n == 0 {
			return interfaces.ErrSessionNotFound
		}
		return nil
	})
}

// UpdateAccessKeyState overwrites only the access-key columns of a session.
func (m *Manager) UpdateAccessKeyState(ctx context.Context, sessionID string, state types.AccessKeyState) error {
	const query = `UPDATE sessions SET
		access_key_hash = ?, access_key = ?, access_key_sent = ?, access_key_sent_at = ?,
		access_key_validated = ?, access_key_validated_at = ?,
		access_key_validation_attempts = ?, access_key_locked_until = ?
		WHERE id = ?`

	return m.executeWrite(ctx, func(db *sql.DB) error {
		result, err := db.ExecContext(ctx, query,
			state.Hash, state.LegacyPlaintext, state.Sent, nullTime(state.SentAt),
			state.Validated, nullTime(state.ValidatedAt),
			state.ValidationAttempts, nullTime(state.LockedUntil),
			sessionID,
		)
		if err != nil {
			return fmt.Errorf("failed to update access key state: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read update result: %w", err)
		}
		if n == 0 {
			return interfaces.ErrSessionNotFound
		}
		return nil
	})
}

// ListSessions returns sessions matching the filter ordered by scheduled time.
func (m *Manager) ListSessions(ctx context.Context, filter types.SessionFilter) ([]*types.Session, error) {
	where, args := buildSessionFilter(filter)
	query := "SELECT " + sessionColumns + " FROM sessions" + where + " ORDER BY scheduled_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := []*types.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}

	return sessions, nil
}

// buildSessionFilter turns the non-zero filter fields into a WHERE clause.
func buildSessionFilter(f types.SessionFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	eq := func(col, value string) {
		if value != "" {
			clauses = append(clauses, col+" = ?")
			args = append(args, value)
		}
	}
	eq("commerce_id", f.CommerceID)
	eq("client_id", f.ClientID)
	eq("doctor_id", f.DoctorID)

	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.ScheduledFrom != nil {
		clauses = append(clauses, "scheduled_at >= ?")
		args = append(args, f.ScheduledFrom.UTC())
	}
	if f.ScheduledTo != nil {
		clauses = append(clauses, "scheduled_at <= ?")
		args = append(args, f.ScheduledTo.UTC())
	}
	if f.EndedBefore != nil {
		clauses = append(clauses, "ended_at IS NOT NULL AND ended_at < ?")
		args = append(args, f.EndedBefore.UTC())
	}
	if f.CancelledBefore != nil {
		clauses = append(clauses, "cancelled_at IS NOT NULL AND cancelled_at < ?")
		args = append(args, f.CancelledBefore.UTC())
	}
	if f.ActiveOnly {
		clauses = append(clauses, "active = 1")
	}
	if f.HasConnectedUsers {
		clauses = append(clauses, "connected_users <> '[]'")
	}
	if f.AccessKeySent != nil {
		clauses = append(clauses, "access_key_sent = ?")
		args = append(args, *f.AccessKeySent)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// CountByStatus aggregates live (not soft-deleted) sessions per status.
func (m *Manager) CountByStatus(ctx context.Context) (types.StatusCounts, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM sessions WHERE active = 1 GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := types.StatusCounts{
		types.StatusScheduled: 0,
		types.StatusActive:    0,
		types.StatusCompleted: 0,
		types.StatusCancelled: 0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[types.SessionStatus(status)] = n
	}
	return counts, rows.Err()
}

// StoreMessage stores a message in the database
func (m *Manager) StoreMessage(ctx context.Context, message *types.Message) error {
	attachments := message.Attachments
	if attachments == nil {
		attachments = []types.Attachment{}
	}
	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("failed to marshal attachments: %w", err)
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		query := `
			INSERT INTO messages (id, session_id, sender_id, sender_type, message, attachments, timestamp, read, read_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			message.ID,
			message.SessionID,
			message.SenderID,
			message.SenderType,
			message.Message,
			string(attachmentsJSON),
			message.Timestamp.UTC(),
			message.Read,
			nullTime(message.ReadAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

// ListMessages returns a page of a session's messages in chronological order.
func (m *Manager) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, session_id, sender_id, sender_type, message, attachments, timestamp, read, read_at
		FROM messages
		WHERE session_id = ?
		ORDER BY timestamp ASC, id ASC
		LIMIT ? OFFSET ?
	`
	rows, err := m.db.QueryContext(ctx, query, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []*types.Message{}
	for rows.Next() {
		var message types.Message
		var attachmentsJSON string
		var readAt sql.NullTime

		err := rows.Scan(
			&message.ID,
			&message.SessionID,
			&message.SenderID,
			&message.SenderType,
			&message.Message,
			&attachmentsJSON,
			&message.Timestamp,
			&message.Read,
			&readAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if err := json.Unmarshal([]byte(attachmentsJSON), &message.Attachments); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
		}
		if len(message.Attachments) == 0 {
			message.Attachments = nil
		}
		message.ReadAt = timePtr(readAt)
		messages = append(messages, &message)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	return messages, nil
}

// MarkMessagesRead flags unread messages from other senders as read.
func (m *Manager) MarkMessagesRead(ctx context.Context, sessionID, readerID string, messageIDs []string) (int, error) {
	query := "UPDATE messages SET read = 1, read_at = ? WHERE session_id = ? AND read = 0 AND sender_id <> ?"
	args := []interface{}{time.Now().UTC(), sessionID, readerID}
	if len(messageIDs) > 0 {
		marks := make([]string, len(messageIDs))
		for i, id := range messageIDs {
			marks[i] = "?"
			args = append(args, id)
		}
		query += " AND id IN (" + strings.Join(marks, ", ") + ")"
	}

	var updated int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		result, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to mark messages read: %w", err)
		}
		updated, err = result.RowsAffected()
		return err
	})
	return int(updated), err
}

// UpdateAttention merges the non-nil patch fields into the attention record,
// creating it on first write.
func (m *Manager) UpdateAttention(ctx context.Context, attentionID string, patch types.AttentionPatch) error {
	var duration interface{}
	if patch.Duration != nil {
		duration = *patch.Duration
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		query := `
			INSERT INTO attentions (id, patient_connected_at, doctor_connected_at, ended_at, duration, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				patient_connected_at = COALESCE(excluded.patient_connected_at, attentions.patient_connected_at),
				doctor_connected_at = COALESCE(excluded.doctor_connected_at, attentions.doctor_connected_at),
				ended_at = COALESCE(excluded.ended_at, attentions.ended_at),
				duration = COALESCE(excluded.duration, attentions.duration),
				updated_at = excluded.updated_at
		`
		_, err := db.ExecContext(ctx, query,
			attentionID,
			nullTime(patch.PatientConnectedAt),
			nullTime(patch.DoctorConnectedAt),
			nullTime(patch.EndedAt),
			duration,
			time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to update attention: %w", err)
		}
		return nil
	})
}

// GetAttention reads back an attention record.
func (m *Manager) GetAttention(ctx context.Context, attentionID string) (*types.AttentionPatch, error) {
	var patient, doctor, ended sql.NullTime
	var duration sql.NullInt64
	err := m.db.QueryRowContext(ctx,
		"SELECT patient_connected_at, doctor_connected_at, ended_at, duration FROM attentions WHERE id = ?",
		attentionID,
	).Scan(&patient, &doctor, &ended, &duration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attention %w", types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query attention: %w", err)
	}

	patch := &types.AttentionPatch{
		PatientConnectedAt: timePtr(patient),
		DoctorConnectedAt:  timePtr(doctor),
		EndedAt:            timePtr(ended),
	}
	if duration.Valid {
		d := int(duration.Int64)
		patch.Duration = &d
	}
	return patch, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: database ping failed: %v", types.ErrUpstreamUnavailable, err)
	}

	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		return fmt.Errorf("%w: database read test failed: %v", types.ErrUpstreamUnavailable, err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var s types.Session
	var sessionType, status, usersJSON string
	var startedAt, endedAt, cancelledAt, lastActivityAt sql.NullTime
	var patientAt, doctorAt, roomActivityAt, consentAt sql.NullTime
	var sentAt, validatedAt, lockedUntil sql.NullTime
	var duration sql.NullInt64

	err := row.Scan(
		&s.ID, &s.RoomID, &s.RoomName, &s.CommerceID, &s.ClientID, &s.DoctorID,
		&s.AttentionID, &s.PatientHistoryID, &s.ClientEmail, &s.ClientPhone, &sessionType, &status,
		&s.ScheduledAt, &startedAt, &endedAt, &s.EndedBy, &cancelledAt, &s.CancelledBy,
		&duration, &lastActivityAt, &s.EndNotes, &s.Diagnosis,
		&patientAt, &doctorAt, &usersJSON,
		&s.ConnectedDoctorID, &s.ConnectedPatientID, &roomActivityAt,
		&s.RecordingEnabled, &s.RecordingURL, &s.ConsentGiven, &consentAt,
		&s.AccessKeyHash, &s.AccessKey, &s.AccessKeySent, &sentAt,
		&s.AccessKeyValidated, &validatedAt,
		&s.AccessKeyValidationAttempts, &lockedUntil,
		&s.Active, &s.Available, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Type = types.SessionType(sessionType)
	s.Status = types.SessionStatus(status)
	if err := json.Unmarshal([]byte(usersJSON), &s.ConnectedUsers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal connected users: %w", err)
	}
	if s.ConnectedUsers == nil {
		s.ConnectedUsers = []string{}
	}
	if duration.Valid {
		d := int(duration.Int64)
		s.Duration = &d
	}
	s.StartedAt = timePtr(startedAt)
	s.EndedAt = timePtr(endedAt)
	s.CancelledAt = timePtr(cancelledAt)
	s.LastActivityAt = timePtr(lastActivityAt)
	s.PatientConnectedAt = timePtr(patientAt)
	s.DoctorConnectedAt = timePtr(doctorAt)
	s.LastRoomActivityAt = timePtr(roomActivityAt)
	s.ConsentGivenAt = timePtr(consentAt)
	s.AccessKeySentAt = timePtr(sentAt)
	s.AccessKeyValidatedAt = timePtr(validatedAt)
	s.AccessKeyLockedUntil = timePtr(lockedUntil)

	return &s, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

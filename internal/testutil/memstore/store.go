// Package memstore is a test-only, in-memory SessionStore with the same
// filter, not-found and column-split semantics as the SQLite manager. It is
// imported from _test.go files only.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"telehealth/pkg/interfaces"
	"telehealth/pkg/types"
)

// Store keeps copies of every record so callers never share memory with it.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*types.Session
	messages    map[string][]*types.Message
	attentions  map[string]types.AttentionPatch
	updateCount int

	// Fault injection. A non-nil error is returned by the matching call.
	FailGet       error
	FailUpdate    error
	FailList      error
	FailStore     error
	FailAttention error
}

var (
	_ interfaces.SessionStore    = (*Store)(nil)
	_ interfaces.AttentionWriter = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions:   make(map[string]*types.Session),
		messages:   make(map[string][]*types.Message),
		attentions: make(map[string]types.AttentionPatch),
	}
}

func (s *Store) CreateSession(ctx context.Context, session *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	s.sessions[session.ID] = copySession(session)
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailGet != nil {
		return nil, s.FailGet
	}
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	return copySession(session), nil
}

func (s *Store) UpdateSession(ctx context.Context, session *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpdate != nil {
		return s.FailUpdate
	}
	current, ok := s.sessions[session.ID]
	if !ok {
		return interfaces.ErrSessionNotFound
	}
	updated := copySession(session)
	updated.SetKeyState(current.KeyState())
	s.sessions[session.ID] = updated
	s.updateCount++
	return nil
}

func (s *Store) UpdateAccessKeyState(ctx context.Context, sessionID string, state types.AccessKeyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpdate != nil {
		return s.FailUpdate
	}
	current, ok := s.sessions[sessionID]
	if !ok {
		return interfaces.ErrSessionNotFound
	}
	updated := copySession(current)
	updated.SetKeyState(copyKeyState(state))
	s.sessions[sessionID] = updated
	return nil
}

// Updates returns how many successful UpdateSession calls were made.
func (s *Store) Updates() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updateCount
}

func (s *Store) ListSessions(ctx context.Context, f types.SessionFilter) ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailList != nil {
		return nil, s.FailList
	}

	out := []*types.Session{}
	for _, session := range s.sessions {
		if matches(session, f) {
			out = append(out, copySession(session))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(s *types.Session, f types.SessionFilter) bool {
	if f.CommerceID != "" && s.CommerceID != f.CommerceID {
		return false
	}
	if f.ClientID != "" && s.ClientID != f.ClientID {
		return false
	}
	if f.DoctorID != "" && s.DoctorID != f.DoctorID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if s.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ScheduledFrom != nil && s.ScheduledAt.Before(*f.ScheduledFrom) {
		return false
	}
	if f.ScheduledTo != nil && s.ScheduledAt.After(*f.ScheduledTo) {
		return false
	}
	if f.EndedBefore != nil && (s.EndedAt == nil || !s.EndedAt.Before(*f.EndedBefore)) {
		return false
	}
	if f.CancelledBefore != nil && (s.CancelledAt == nil || !s.CancelledAt.Before(*f.CancelledBefore)) {
		return false
	}
	if f.ActiveOnly && !s.Active {
		return false
	}
	if f.HasConnectedUsers && len(s.ConnectedUsers) == 0 {
		return false
	}
	if f.AccessKeySent != nil && s.AccessKeySent != *f.AccessKeySent {
		return false
	}
	return true
}

func (s *Store) CountByStatus(ctx context.Context) (types.StatusCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := types.StatusCounts{
		types.StatusScheduled: 0,
		types.StatusActive:    0,
		types.StatusCompleted: 0,
		types.StatusCancelled: 0,
	}
	for _, session := range s.sessions {
		if session.Active {
			counts[session.Status]++
		}
	}
	return counts, nil
}

func (s *Store) StoreMessage(ctx context.Context, message *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailStore != nil {
		return s.FailStore
	}
	if _, ok := s.sessions[message.SessionID]; !ok {
		return interfaces.ErrSessionNotFound
	}
	m := *message
	m.Attachments = append([]types.Attachment(nil), message.Attachments...)
	s.messages[message.SessionID] = append(s.messages[message.SessionID], &m)
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[sessionID]
	if offset < 0 {
		offset = 0
	}
	if offset > len(all) {
		offset = len(all)
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*types.Message, 0, end-offset)
	for _, m := range all[offset:end] {
		c := *m
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) MarkMessagesRead(ctx context.Context, sessionID, readerID string, messageIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}
	now := time.Now().UTC()
	n := 0
	for _, m := range s.messages[sessionID] {
		if m.Read || m.SenderID == readerID {
			continue
		}
		if len(wanted) > 0 && !wanted[m.ID] {
			continue
		}
		m.Read = true
		m.ReadAt = &now
		n++
	}
	return n, nil
}

func (s *Store) UpdateAttention(ctx context.Context, attentionID string, patch types.AttentionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAttention != nil {
		return s.FailAttention
	}
	cur := s.attentions[attentionID]
	if patch.PatientConnectedAt != nil {
		cur.PatientConnectedAt = patch.PatientConnectedAt
	}
	if patch.DoctorConnectedAt != nil {
		cur.DoctorConnectedAt = patch.DoctorConnectedAt
	}
	if patch.EndedAt != nil {
		cur.EndedAt = patch.EndedAt
	}
	if patch.Duration != nil {
		cur.Duration = patch.Duration
	}
	s.attentions[attentionID] = cur
	return nil
}

// Attention returns the merged write-backs for an attention id.
func (s *Store) Attention(attentionID string) (types.AttentionPatch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.attentions[attentionID]
	return p, ok
}

func (s *Store) HealthCheck(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func copySession(in *types.Session) *types.Session {
	out := *in
	if in.ConnectedUsers != nil {
		out.ConnectedUsers = append([]string{}, in.ConnectedUsers...)
	}
	for _, p := range []**time.Time{
		&out.StartedAt, &out.EndedAt, &out.CancelledAt, &out.LastActivityAt,
		&out.PatientConnectedAt, &out.DoctorConnectedAt, &out.LastRoomActivityAt,
		&out.ConsentGivenAt, &out.AccessKeySentAt, &out.AccessKeyValidatedAt,
		&out.AccessKeyLockedUntil,
	} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	if in.Duration != nil {
		d := *in.Duration
		out.Duration = &d
	}
	return &out
}

func copyKeyState(in types.AccessKeyState) types.AccessKeyState {
	out := in
	for _, p := range []**time.Time{&out.SentAt, &out.ValidatedAt, &out.LockedUntil} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return out
}

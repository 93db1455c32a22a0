package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"telehealth/pkg/database"
	"telehealth/pkg/interfaces"
	"telehealth/pkg/types"
)

// Test database setup helpers
func setupTestDB(t *testing.T) (*Manager, func()) {
	t.Helper()
	config := database.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	config.WriteRetryDelay = 10 * time.Millisecond

	manager, err := NewManager(config)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	if err := database.NewMigrationManager(manager.GetDB(), nil).ApplyMigrations(); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	return manager, func() { _ = manager.Close() }
}

func newTestSession(id string, scheduledAt time.Time) *types.Session {
	return &types.Session{
		ID:            id,
		RoomID:        "room-" + id,
		RoomName:      "Consultation " + id,
		CommerceID:    "commerce-1",
		ClientID:      "client-1",
		DoctorID:      "doctor-1",
		Type:          types.SessionTypeVideo,
		Status:        types.StatusScheduled,
		ScheduledAt:   scheduledAt,
		AccessKeyHash: "digest",
		Active:        true,
		Available:     true,
	}
}

func TestManager_CreateAndGetSession(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	scheduled := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	session := newTestSession("s1", scheduled)
	session.ConnectedUsers = []string{"doctor-1"}
	session.ClientEmail = "patient@example.com"

	if err := manager.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession should succeed: %v", err)
	}

	got, err := manager.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession should succeed after CreateSession: %v", err)
	}
	if got.RoomID != "room-s1" || got.Status != types.StatusScheduled || got.Type != types.SessionTypeVideo {
		t.Errorf("unexpected session: %+v", got)
	}
	if !got.ScheduledAt.Equal(scheduled) {
		t.Errorf("ScheduledAt = %v, want %v", got.ScheduledAt, scheduled)
	}
	if got.AccessKeyHash != "digest" || got.ClientEmail != "patient@example.com" {
		t.Error("internal fields should round-trip through the store")
	}
	if len(got.ConnectedUsers) != 1 || got.ConnectedUsers[0] != "doctor-1" {
		t.Errorf("ConnectedUsers = %v", got.ConnectedUsers)
	}
	if got.StartedAt != nil || got.Duration != nil {
		t.Error("nullable fields should stay nil")
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt should be stamped")
	}
}

func TestManager_GetSessionNotFound(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := manager.GetSession(context.Background(), "nonexistent-session")
	if !errors.Is(err, interfaces.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("not-found should map onto the taxonomy, got %v", err)
	}
}

func TestManager_UpdateSession(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	session := newTestSession("s2", time.Now().UTC())
	if err := manager.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(17*time.Minute + 30*time.Second)
	duration := 18
	session.Status = types.StatusCompleted
	session.StartedAt = &started
	session.EndedAt = &ended
	session.Duration = &duration
	session.EndedBy = "doctor-1"
	session.AccessKeyValidationAttempts = 3

	if err := manager.UpdateSession(ctx, session); err != nil {
		t.Fatalf("UpdateSession should succeed: %v", err)
	}

	got, err := manager.GetSession(ctx, "s2")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != types.StatusCompleted || got.EndedBy != "doctor-1" {
		t.Errorf("status not updated: %+v", got)
	}
	if got.Duration == nil || *got.Duration != 18 {
		t.Errorf("Duration = %v, want 18", got.Duration)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.AccessKeyValidationAttempts != 0 || got.AccessKeyHash != "digest" {
		t.Errorf("UpdateSession must not write access-key columns, got attempts=%d hash=%q",
			got.AccessKeyValidationAttempts, got.AccessKeyHash)
	}
}

func TestManager_UpdateAccessKeyState(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	session := newTestSession("s3", time.Now().UTC())
	if err := manager.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// A lifecycle write lands first; the key write must not undo it.
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	session.Status = types.StatusActive
	session.StartedAt = &started
	if err := manager.UpdateSession(ctx, session); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	locked := started.Add(30 * time.Minute)
	state := types.AccessKeyState{Hash: "rotated", Sent: true, SentAt: &started, ValidationAttempts: 5, LockedUntil: &locked}
	if err := manager.UpdateAccessKeyState(ctx, "s3", state); err != nil {
		t.Fatalf("UpdateAccessKeyState: %v", err)
	}

	got, err := manager.GetSession(ctx, "s3")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != types.StatusActive || got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("lifecycle columns changed by key write: status=%s startedAt=%v", got.Status, got.StartedAt)
	}
	if got.AccessKeyHash != "rotated" || !got.AccessKeySent || got.AccessKeyValidationAttempts != 5 {
		t.Errorf("key state not stored: %+v", got.KeyState())
	}
	if got.AccessKeyLockedUntil == nil || !got.AccessKeyLockedUntil.Equal(locked) {
		t.Errorf("LockedUntil = %v, want %v", got.AccessKeyLockedUntil, locked)
	}

	err = manager.UpdateAccessKeyState(ctx, "ghost", state)
	if !errors.Is(err, interfaces.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestManager_UpdateMissingSession(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()

	err := manager.UpdateSession(context.Background(), newTestSession("ghost", time.Now()))
	if !errors.Is(err, interfaces.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestManager_ListSessionsFilter(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ended := base.Add(-100 * 24 * time.Hour)

	fixtures := []*types.Session{
		newTestSession("a", base),
		newTestSession("b", base.Add(time.Hour)),
		newTestSession("c", base.Add(2*time.Hour)),
		newTestSession("d", base.Add(3*time.Hour)),
	}
	fixtures[1].Status = types.StatusActive
	fixtures[1].ConnectedUsers = []string{"doctor-1", "client-1"}
	fixtures[2].Status = types.StatusCompleted
	fixtures[2].EndedAt = &ended
	fixtures[3].CommerceID = "commerce-2"
	fixtures[3].AccessKeySent = true

	for _, s := range fixtures {
		if err := manager.CreateSession(ctx, s); err != nil {
			t.Fatalf("CreateSession(%s): %v", s.ID, err)
		}
	}

	notSent := false
	to := base.Add(90 * time.Minute)
	cutoff := base.Add(-90 * 24 * time.Hour)
	tests := []struct {
		name   string
		filter types.SessionFilter
		want   []string
	}{
		{"no filter", types.SessionFilter{}, []string{"a", "b", "c", "d"}},
		{"commerce", types.SessionFilter{CommerceID: "commerce-2"}, []string{"d"}},
		{"statuses", types.SessionFilter{Statuses: []types.SessionStatus{types.StatusActive, types.StatusCompleted}}, []string{"b", "c"}},
		{"window", types.SessionFilter{ScheduledFrom: &base, ScheduledTo: &to}, []string{"a", "b"}},
		{"connected users", types.SessionFilter{HasConnectedUsers: true}, []string{"b"}},
		{"ended before", types.SessionFilter{EndedBefore: &cutoff}, []string{"c"}},
		{"not sent", types.SessionFilter{AccessKeySent: &notSent, Statuses: []types.SessionStatus{types.StatusScheduled}}, []string{"a"}},
		{"limit", types.SessionFilter{Limit: 2}, []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := manager.ListSessions(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListSessions: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d sessions, want %v", len(got), tt.want)
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("position %d: got %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestManager_CountByStatus(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	for i, status := range []types.SessionStatus{types.StatusScheduled, types.StatusScheduled, types.StatusActive, types.StatusCancelled} {
		s := newTestSession(fmt.Sprintf("s%d", i), time.Now())
		s.Status = status
		if err := manager.CreateSession(ctx, s); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	deleted := newTestSession("gone", time.Now())
	deleted.Status = types.StatusCompleted
	deleted.Active = false
	if err := manager.CreateSession(ctx, deleted); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	counts, err := manager.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	want := types.StatusCounts{
		types.StatusScheduled: 2,
		types.StatusActive:    1,
		types.StatusCompleted: 0,
		types.StatusCancelled: 1,
	}
	for status, n := range want {
		if counts[status] != n {
			t.Errorf("%s: got %d, want %d", status, counts[status], n)
		}
	}
}

func TestManager_Messages(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := manager.CreateSession(ctx, newTestSession("chat", time.Now())); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	messages := []*types.Message{
		{ID: "m1", SessionID: "chat", SenderID: "doctor-1", SenderType: types.UserTypeStaff, Message: "hello", Timestamp: base},
		{ID: "m2", SessionID: "chat", SenderID: "client-1", SenderType: types.UserTypeClient, Message: "hi", Timestamp: base.Add(time.Second),
			Attachments: []types.Attachment{{Type: "image/png", URL: "https://files/x.png", Name: "x.png", Size: 42}}},
		{ID: "m3", SessionID: "chat", SenderID: "doctor-1", SenderType: types.UserTypeStaff, Message: "how are you", Timestamp: base.Add(2 * time.Second)},
	}
	for _, m := range messages {
		if err := manager.StoreMessage(ctx, m); err != nil {
			t.Fatalf("StoreMessage(%s): %v", m.ID, err)
		}
	}

	got, err := manager.ListMessages(ctx, "chat", 0, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != 3 || got[0].ID != "m1" || got[2].ID != "m3" {
		t.Fatalf("messages not in chronological order: %v", got)
	}
	if len(got[1].Attachments) != 1 || got[1].Attachments[0].Size != 42 {
		t.Errorf("attachments not restored: %+v", got[1].Attachments)
	}

	page, err := manager.ListMessages(ctx, "chat", 1, 1)
	if err != nil {
		t.Fatalf("ListMessages page: %v", err)
	}
	if len(page) != 1 || page[0].ID != "m2" {
		t.Errorf("unexpected page: %v", page)
	}

	// The client reads the doctor's messages; its own stays unread.
	n, err := manager.MarkMessagesRead(ctx, "chat", "client-1", nil)
	if err != nil {
		t.Fatalf("MarkMessagesRead: %v", err)
	}
	if n != 2 {
		t.Errorf("marked %d messages, want 2", n)
	}
	n, err = manager.MarkMessagesRead(ctx, "chat", "client-1", nil)
	if err != nil || n != 0 {
		t.Errorf("second mark should be a no-op, got %d, %v", n, err)
	}

	got, _ = manager.ListMessages(ctx, "chat", 0, 0)
	if !got[0].Read || got[0].ReadAt == nil || got[1].Read {
		t.Errorf("read flags wrong: %+v %+v", got[0], got[1])
	}
}

func TestManager_StoreMessageUnknownSession(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()

	err := manager.StoreMessage(context.Background(), &types.Message{
		ID: "orphan", SessionID: "missing", SenderID: "u", SenderType: types.UserTypeClient, Message: "x", Timestamp: time.Now(),
	})
	if err == nil {
		t.Error("foreign key violation should fail the write")
	}
}

func TestManager_UpdateAttentionMerges(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	patient := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := manager.UpdateAttention(ctx, "att-1", types.AttentionPatch{PatientConnectedAt: &patient}); err != nil {
		t.Fatalf("UpdateAttention: %v", err)
	}

	ended := patient.Add(20 * time.Minute)
	duration := 20
	if err := manager.UpdateAttention(ctx, "att-1", types.AttentionPatch{EndedAt: &ended, Duration: &duration}); err != nil {
		t.Fatalf("UpdateAttention: %v", err)
	}

	got, err := manager.GetAttention(ctx, "att-1")
	if err != nil {
		t.Fatalf("GetAttention: %v", err)
	}
	if got.PatientConnectedAt == nil || !got.PatientConnectedAt.Equal(patient) {
		t.Errorf("earlier field lost on merge: %v", got.PatientConnectedAt)
	}
	if got.Duration == nil || *got.Duration != 20 || got.EndedAt == nil {
		t.Errorf("patch not applied: %+v", got)
	}
	if got.DoctorConnectedAt != nil {
		t.Error("unset field should stay nil")
	}
}

func TestManager_ConcurrentWrites(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := manager.CreateSession(ctx, newTestSession("busy", time.Now())); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- manager.StoreMessage(ctx, &types.Message{
				ID: fmt.Sprintf("m%02d", i), SessionID: "busy", SenderID: "doctor-1",
				SenderType: types.UserTypeStaff, Message: "ping", Timestamp: time.Now(),
			})
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent write failed: %v", err)
		}
	}
	got, err := manager.ListMessages(ctx, "busy", 0, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != 50 {
		t.Errorf("stored %d messages, want 50", len(got))
	}
}

func TestManager_CloseRejectsWrites(t *testing.T) {
	manager, _ := setupTestDB(t)

	if err := manager.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Errorf("second Close should be a no-op: %v", err)
	}

	err := manager.CreateSession(context.Background(), newTestSession("late", time.Now()))
	if !errors.Is(err, types.ErrUpstreamUnavailable) {
		t.Errorf("write after close should be upstream unavailable, got %v", err)
	}
}

package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"telehealth/internal/testutil/memstore"
	"telehealth/pkg/types"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []types.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e types.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) kinds() []types.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setupManager(t *testing.T) (*Manager, *memstore.Store, *recordingPublisher, *testClock) {
	t.Helper()
	store := memstore.New()
	pub := &recordingPublisher{}
	clk := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(store, store, pub, DefaultConfig())
	m.SetClock(clk.now)
	return m, store, pub, clk
}

func createSession(t *testing.T, m *Manager, scheduledAt time.Time) *types.PublicSession {
	t.Helper()
	s, err := m.Create(context.Background(), CreateRequest{
		CommerceID:  "commerce-1",
		ClientID:    "client-1",
		DoctorID:    "doctor-1",
		AttentionID: "att-1",
		ClientEmail: "patient@example.com",
		Type:        types.SessionTypeVideo,
		ScheduledAt: scheduledAt,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

func TestManager_CreateScheduledWithHiddenKey(t *testing.T) {
	m, store, _, clk := setupManager(t)

	public := createSession(t, m, clk.t.Add(time.Hour))
	if public.Status != types.StatusScheduled {
		t.Errorf("status = %s, want SCHEDULED", public.Status)
	}
	if public.RoomID == "" || public.RoomID == public.ID {
		t.Error("room id should be a separate opaque token")
	}
	if public.AccessKeySent {
		t.Error("accessKeySent should start false")
	}

	stored, _ := store.GetSession(context.Background(), public.ID)
	if len(stored.AccessKeyHash) != 64 {
		t.Errorf("expected a sha256 digest internally, got %q", stored.AccessKeyHash)
	}
	if stored.AccessKey != "" {
		t.Error("plaintext key must not be stored")
	}

	data, _ := json.Marshal(public)
	if strings.Contains(string(data), "accessKeyHash") || strings.Contains(string(data), stored.AccessKeyHash) {
		t.Errorf("public read leaks key material: %s", data)
	}
}

func TestManager_CreateValidation(t *testing.T) {
	m, _, _, clk := setupManager(t)
	_, err := m.Create(context.Background(), CreateRequest{
		CommerceID: "c", ClientID: "cl", DoctorID: "d", Type: "AUDIO", ScheduledAt: clk.t,
	})
	if !errors.Is(err, types.ErrInvalidSessionType) {
		t.Errorf("expected invalid type, got %v", err)
	}
}

func TestManager_StateMachineLegality(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		status  types.SessionStatus
		op      func(m *Manager, id string) error
		wantErr bool
	}{
		{"start scheduled", types.StatusScheduled, start, false},
		{"start active", types.StatusActive, start, true},
		{"start completed", types.StatusCompleted, start, true},
		{"start cancelled", types.StatusCancelled, start, true},
		{"end scheduled", types.StatusScheduled, end, true},
		{"end active", types.StatusActive, end, false},
		{"end completed", types.StatusCompleted, end, true},
		{"cancel scheduled", types.StatusScheduled, cancel, false},
		{"cancel active", types.StatusActive, cancel, false},
		{"cancel completed", types.StatusCompleted, cancel, true},
		{"cancel cancelled", types.StatusCancelled, cancel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, store, _, clk := setupManager(t)
			public := createSession(t, m, clk.t)
			forceStatus(t, store, public.ID, tt.status, clk.t)

			err := tt.op(m, public.ID)
			if tt.wantErr {
				if !errors.Is(err, types.ErrPreconditionFailed) {
					t.Fatalf("expected precondition failure, got %v", err)
				}
				stored, _ := store.GetSession(ctx, public.ID)
				if stored.Status != tt.status {
					t.Errorf("illegal transition changed status to %s", stored.Status)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func start(m *Manager, id string) error {
	_, err := m.Start(context.Background(), id, "doctor-1")
	return err
}

func end(m *Manager, id string) error {
	_, err := m.End(context.Background(), id, "doctor-1", EndOptions{})
	return err
}

func cancel(m *Manager, id string) error {
	_, err := m.Cancel(context.Background(), id, "doctor-1")
	return err
}

func forceStatus(t *testing.T, store *memstore.Store, id string, status types.SessionStatus, at time.Time) {
	t.Helper()
	s, _ := store.GetSession(context.Background(), id)
	s.Status = status
	if status != types.StatusScheduled {
		s.StartedAt = &at
	}
	if err := store.UpdateSession(context.Background(), s); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
}

func TestManager_StartSetsTimestampsAndPublishes(t *testing.T) {
	m, _, pub, clk := setupManager(t)
	public := createSession(t, m, clk.t)

	started, err := m.Start(context.Background(), public.ID, "doctor-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Status != types.StatusActive || started.StartedAt == nil || started.LastActivityAt == nil {
		t.Errorf("unexpected started session: %+v", started)
	}
	if got := pub.kinds(); len(got) != 1 || got[0] != types.EventSessionStarted {
		t.Errorf("events = %v", got)
	}
}

func TestManager_EndDurationRoundsHalfUp(t *testing.T) {
	m, store, pub, clk := setupManager(t)
	ctx := context.Background()
	public := createSession(t, m, clk.t)

	if _, err := m.Start(ctx, public.ID, "doctor-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.MarkConnected(ctx, public.ID, types.RolePatient); err != nil {
		t.Fatalf("MarkConnected: %v", err)
	}
	_ = m.UpdatePresence(ctx, public.ID, types.Presence{ConnectedUsers: []string{"doctor-1", "client-1"}, ConnectedDoctorID: "doctor-1"})

	clk.advance(17*time.Minute + 30*time.Second)
	ended, err := m.End(ctx, public.ID, "doctor-1", EndOptions{Notes: "follow up in 2 weeks", Diagnosis: "J06.9"})
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ended.Duration == nil || *ended.Duration != 18 {
		t.Fatalf("duration = %v, want 18", ended.Duration)
	}
	if ended.EndedBy != "doctor-1" || ended.EndNotes != "follow up in 2 weeks" || ended.Diagnosis != "J06.9" {
		t.Errorf("closing fields not recorded: %+v", ended)
	}
	if len(ended.ConnectedUsers) != 0 || ended.ConnectedDoctorID != "" {
		t.Error("presence should be cleared on end")
	}

	got := pub.kinds()
	if got[len(got)-1] != types.EventSessionCompleted {
		t.Errorf("completion event should be published before End returns, got %v", got)
	}

	att, ok := store.Attention("att-1")
	if !ok || att.Duration == nil || *att.Duration != 18 || att.PatientConnectedAt == nil || att.EndedAt == nil {
		t.Errorf("attention write-back incomplete: %+v", att)
	}
}

func TestManager_EndSurvivesAttentionFailure(t *testing.T) {
	m, store, _, clk := setupManager(t)
	ctx := context.Background()
	public := createSession(t, m, clk.t)
	_, _ = m.Start(ctx, public.ID, "doctor-1")

	store.FailAttention = errors.New("attention service down")
	if _, err := m.End(ctx, public.ID, "doctor-1", EndOptions{}); err != nil {
		t.Fatalf("attention failure must not fail End: %v", err)
	}
	stored, _ := store.GetSession(ctx, public.ID)
	if stored.Status != types.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", stored.Status)
	}
}

func TestDurationMinutes(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		span time.Duration
		want int
	}{
		{0, 0},
		{29 * time.Second, 0},
		{30 * time.Second, 1},
		{17*time.Minute + 29*time.Second, 17},
		{17*time.Minute + 30*time.Second, 18},
		{-2 * time.Minute, -2},
	}
	for _, tt := range tests {
		if got := DurationMinutes(base, base.Add(tt.span)); got != tt.want {
			t.Errorf("DurationMinutes(%v) = %d, want %d", tt.span, got, tt.want)
		}
	}
}

func TestManager_MarkConnectedIdempotent(t *testing.T) {
	m, store, _, clk := setupManager(t)
	ctx := context.Background()
	public := createSession(t, m, clk.t)

	first, err := m.MarkConnected(ctx, public.ID, types.RoleDoctor)
	if err != nil {
		t.Fatalf("MarkConnected: %v", err)
	}
	clk.advance(5 * time.Minute)
	second, err := m.MarkConnected(ctx, public.ID, types.RoleDoctor)
	if err != nil {
		t.Fatalf("MarkConnected: %v", err)
	}

	if !second.DoctorConnectedAt.Equal(*first.DoctorConnectedAt) {
		t.Errorf("doctorConnectedAt moved from %v to %v", first.DoctorConnectedAt, second.DoctorConnectedAt)
	}
	if !second.LastActivityAt.Equal(clk.t) {
		t.Error("lastActivityAt should refresh on every call")
	}
	if second.PatientConnectedAt != nil {
		t.Error("patient marker should be untouched")
	}

	if _, err := m.MarkConnected(ctx, public.ID, "nurse"); !errors.Is(err, types.ErrInvalidRole) {
		t.Errorf("expected invalid role, got %v", err)
	}
	if att, _ := store.Attention("att-1"); att.DoctorConnectedAt == nil {
		t.Error("first connection should be written back to the attention")
	}
}

func TestManager_ConsentAndRecording(t *testing.T) {
	m, _, _, clk := setupManager(t)
	ctx := context.Background()
	public := createSession(t, m, clk.t)

	if _, err := m.SaveRecordingURL(ctx, public.ID, "https://cdn/rec.webm"); !errors.Is(err, ErrConsentRequired) {
		t.Fatalf("expected consent required, got %v", err)
	}
	if _, err := m.SaveRecordingURL(ctx, public.ID, ""); !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	consented, err := m.GiveConsent(ctx, public.ID)
	if err != nil || !consented.ConsentGiven || consented.ConsentGivenAt == nil {
		t.Fatalf("GiveConsent: %+v, %v", consented, err)
	}
	firstAt := *consented.ConsentGivenAt
	clk.advance(time.Minute)
	again, _ := m.GiveConsent(ctx, public.ID)
	if !again.ConsentGivenAt.Equal(firstAt) {
		t.Error("repeated consent should keep the first timestamp")
	}

	saved, err := m.SaveRecordingURL(ctx, public.ID, "https://cdn/rec.webm")
	if err != nil {
		t.Fatalf("SaveRecordingURL: %v", err)
	}
	if saved.RecordingURL != "https://cdn/rec.webm" || !saved.RecordingEnabled {
		t.Errorf("recording not saved: %+v", saved)
	}
}

func TestManager_CancelPublishesAndClearsPresence(t *testing.T) {
	m, _, pub, clk := setupManager(t)
	ctx := context.Background()
	public := createSession(t, m, clk.t)
	_ = m.UpdatePresence(ctx, public.ID, types.Presence{ConnectedUsers: []string{"client-1"}, ConnectedPatientID: "client-1"})

	cancelled, err := m.Cancel(ctx, public.ID, "doctor-1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.CancelledBy != "doctor-1" || cancelled.CancelledAt == nil {
		t.Errorf("cancel fields missing: %+v", cancelled)
	}
	if len(cancelled.ConnectedUsers) != 0 || cancelled.ConnectedPatientID != "" {
		t.Error("presence should be cleared on cancel")
	}
	if got := pub.kinds(); got[len(got)-1] != types.EventSessionCancelled {
		t.Errorf("events = %v", got)
	}
}

func TestManager_EnforceTimeouts(t *testing.T) {
	m, store, _, clk := setupManager(t)
	ctx := context.Background()

	idle := createSession(t, m, clk.t)
	busy := createSession(t, m, clk.t)
	_, _ = m.Start(ctx, idle.ID, "doctor-1")
	_, _ = m.Start(ctx, busy.ID, "doctor-1")

	clk.advance(50 * time.Minute)
	_ = m.Touch(ctx, busy.ID)
	clk.advance(11 * time.Minute)

	n, err := m.EnforceTimeouts(ctx)
	if err != nil {
		t.Fatalf("EnforceTimeouts: %v", err)
	}
	if n != 1 {
		t.Errorf("ended %d sessions, want 1", n)
	}

	stored, _ := store.GetSession(ctx, idle.ID)
	if stored.Status != types.StatusCompleted || stored.EndedBy != types.ActorSystem || stored.EndNotes != InactivityNote {
		t.Errorf("idle session not ended by system: %+v", stored)
	}
	stored, _ = store.GetSession(ctx, busy.ID)
	if stored.Status != types.StatusActive {
		t.Errorf("recently active session should stay ACTIVE, got %s", stored.Status)
	}
}

func TestManager_EnforceTimeoutsFallsBackToStartedAt(t *testing.T) {
	m, store, _, clk := setupManager(t)
	ctx := context.Background()
	public := createSession(t, m, clk.t)
	_, _ = m.Start(ctx, public.ID, "doctor-1")

	s, _ := store.GetSession(ctx, public.ID)
	s.LastActivityAt = nil
	_ = store.UpdateSession(ctx, s)

	clk.advance(61 * time.Minute)
	if n, _ := m.EnforceTimeouts(ctx); n != 1 {
		t.Errorf("expected startedAt to drive the timeout, ended %d", n)
	}
}

func TestManager_CleanupRetention(t *testing.T) {
	m, store, _, clk := setupManager(t)
	ctx := context.Background()

	old := createSession(t, m, clk.t)
	_, _ = m.Start(ctx, old.ID, "doctor-1")
	_, _ = m.End(ctx, old.ID, "doctor-1", EndOptions{})
	oldCancelled := createSession(t, m, clk.t)
	_, _ = m.Cancel(ctx, oldCancelled.ID, "doctor-1")

	clk.advance(91 * 24 * time.Hour)
	recent := createSession(t, m, clk.t)
	_, _ = m.Cancel(ctx, recent.ID, "doctor-1")
	scheduled := createSession(t, m, clk.t)

	n, err := m.CleanupRetention(ctx)
	if err != nil {
		t.Fatalf("CleanupRetention: %v", err)
	}
	if n != 2 {
		t.Errorf("soft-deleted %d sessions, want 2", n)
	}

	for id, wantActive := range map[string]bool{old.ID: false, oldCancelled.ID: false, recent.ID: true, scheduled.ID: true} {
		s, err := store.GetSession(ctx, id)
		if err != nil {
			t.Fatalf("record %s should still exist: %v", id, err)
		}
		if s.Active != wantActive || s.Available != wantActive {
			t.Errorf("%s: active=%v available=%v, want %v", id, s.Active, s.Available, wantActive)
		}
	}

	if _, err := m.Get(ctx, old.ID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("soft-deleted session should read as not found, got %v", err)
	}
}

func TestManager_StatsAndList(t *testing.T) {
	m, _, _, clk := setupManager(t)
	ctx := context.Background()
	a := createSession(t, m, clk.t)
	createSession(t, m, clk.t.Add(time.Hour))
	_, _ = m.Start(ctx, a.ID, "doctor-1")

	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ActiveSessions != 1 || stats.StatusCounts[types.StatusScheduled] != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	list, err := m.List(ctx, types.SessionFilter{DoctorID: "doctor-1"})
	if err != nil || len(list) != 2 {
		t.Fatalf("List: %d, %v", len(list), err)
	}
}

func TestManager_ConcurrentStartOnlyOneWins(t *testing.T) {
	m, _, pub, clk := setupManager(t)
	public := createSession(t, m, clk.t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Start(context.Background(), public.ID, "doctor-1"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d starts succeeded, want exactly 1", wins)
	}
	if got := pub.kinds(); len(got) != 1 {
		t.Errorf("expected a single started event, got %v", got)
	}
}

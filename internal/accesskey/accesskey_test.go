package accesskey

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"telehealth/internal/testutil/memstore"
	"telehealth/pkg/types"
)

type recordingNotifier struct {
	mu    sync.Mutex
	fail  map[string]error
	sends []string // channel:recipient
	body  string
}

func (n *recordingNotifier) SendMessage(ctx context.Context, channel, recipient, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail[channel]; err != nil {
		return err
	}
	n.sends = append(n.sends, channel+":"+recipient)
	n.body = body
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setup(t *testing.T, code string) (*Service, *memstore.Store, *recordingNotifier, *clock) {
	t.Helper()
	store := memstore.New()
	notifier := &recordingNotifier{fail: map[string]error{}}
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	session := &types.Session{
		ID:            "s1",
		RoomID:        "r1",
		CommerceID:    "c1",
		ClientID:      "client-1",
		DoctorID:      "doctor-1",
		ClientEmail:   "patient@example.com",
		ClientPhone:   "+5491100000000",
		Type:          types.SessionTypeVideo,
		Status:        types.StatusScheduled,
		ScheduledAt:   clk.t.Add(time.Hour),
		AccessKeyHash: Hash(code),
		Active:        true,
		Available:     true,
	}
	if err := store.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	svc := NewService(store, notifier, Config{Policy: DefaultPolicy(), PublicBaseURL: "https://clinic.example/"})
	svc.SetClock(clk.now)
	return svc, store, notifier, clk
}

func TestGenerate_Format(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if len(code) != Length {
			t.Fatalf("code %q has length %d", code, len(code))
		}
		for _, r := range code {
			if !strings.ContainsRune(Alphabet, r) {
				t.Fatalf("code %q contains %q outside the alphabet", code, r)
			}
		}
		seen[code] = true
	}
	if len(seen) < 199 {
		t.Errorf("expected distinct codes, got %d unique of 200", len(seen))
	}
}

func TestVerify_HashRoundTrip(t *testing.T) {
	for i := 0; i < 50; i++ {
		c1, _ := Generate()
		c2, _ := Generate()
		if !Verify(c1, Hash(c1), "") {
			t.Fatalf("verify(%s, hash(%s)) should hold", c1, c1)
		}
		if c1 != c2 && Verify(c1, Hash(c2), "") {
			t.Fatalf("verify(%s, hash(%s)) should fail", c1, c2)
		}
	}
}

func TestVerify_Branches(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		digest    string
		legacy    string
		want      bool
	}{
		{"digest match", "ABCD1234", Hash("ABCD1234"), "", true},
		{"digest normalizes input", " abcd1234 ", Hash("ABCD1234"), "", true},
		{"digest wins over legacy", "LEGACY00", Hash("ABCD1234"), "LEGACY00", false},
		{"legacy fallback", "LEGACY00", "", "LEGACY00", true},
		{"legacy mismatch", "LEGACY01", "", "LEGACY00", false},
		{"nothing stored", "ABCD1234", "", "", false},
		{"empty candidate", "", Hash(""), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.candidate, tt.digest, tt.legacy); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicy_RecordAttempt(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := &types.Session{}

	for i := 1; i < p.MaxAttempts; i++ {
		p.RecordAttempt(s, false, now)
		if s.AccessKeyLockedUntil != nil {
			t.Fatalf("locked after %d failures", i)
		}
	}
	p.RecordAttempt(s, false, now)
	if s.AccessKeyLockedUntil == nil || !s.AccessKeyLockedUntil.Equal(now.Add(30*time.Minute)) {
		t.Fatalf("expected lock until now+30m, got %v", s.AccessKeyLockedUntil)
	}
	if !s.AccessKeyLockedUntil.After(now) {
		t.Error("lock must be in the future when set")
	}

	p.RecordAttempt(s, true, now)
	if s.AccessKeyValidationAttempts != 0 || s.AccessKeyLockedUntil != nil {
		t.Error("success should reset attempts and clear the lock")
	}
}

func TestService_ValidateSuccess(t *testing.T) {
	svc, store, _, _ := setup(t, "ABCD1234")

	public, err := svc.Validate(context.Background(), "s1", "abcd1234")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !public.AccessKeyValidated || public.AccessKeyValidatedAt == nil {
		t.Error("validated flags should be stamped on the result")
	}

	stored, _ := store.GetSession(context.Background(), "s1")
	if !stored.AccessKeyValidated || stored.AccessKeyValidationAttempts != 0 {
		t.Errorf("stored state not updated: %+v", stored)
	}
}

func TestService_LockoutScenario(t *testing.T) {
	svc, store, _, clk := setup(t, "ABCD1234")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.Validate(ctx, "s1", "WRONG000"); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("attempt %d: expected ErrInvalidKey, got %v", i+1, err)
		}
		stored, _ := store.GetSession(ctx, "s1")
		if stored.AccessKeyValidationAttempts != i+1 {
			t.Fatalf("attempt %d not persisted: %d", i+1, stored.AccessKeyValidationAttempts)
		}
	}

	_, err := svc.Validate(ctx, "s1", "ABCD1234")
	if !errors.Is(err, types.ErrRateLimited) {
		t.Fatalf("6th attempt with correct code should be rate limited, got %v", err)
	}
	var locked *types.LockedError
	if !errors.As(err, &locked) || locked.Remaining != 30*time.Minute {
		t.Errorf("expected 30m remaining, got %v", err)
	}

	clk.advance(31 * time.Minute)
	if _, err := svc.Validate(ctx, "s1", "ABCD1234"); err != nil {
		t.Fatalf("correct code after lockout should succeed, got %v", err)
	}
	stored, _ := store.GetSession(ctx, "s1")
	if stored.AccessKeyLockedUntil != nil || stored.AccessKeyValidationAttempts != 0 {
		t.Error("success should clear lockout state")
	}
}

func TestService_ExpiredLockGivesFreshAttempts(t *testing.T) {
	svc, store, _, clk := setup(t, "ABCD1234")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = svc.Validate(ctx, "s1", "WRONG000")
	}
	clk.advance(31 * time.Minute)

	if _, err := svc.Validate(ctx, "s1", "WRONG000"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	stored, _ := store.GetSession(ctx, "s1")
	if stored.AccessKeyValidationAttempts != 1 || stored.AccessKeyLockedUntil != nil {
		t.Errorf("expected a fresh counter after lock expiry, got attempts=%d locked=%v",
			stored.AccessKeyValidationAttempts, stored.AccessKeyLockedUntil)
	}
}

func TestService_LegacyKeyRehashed(t *testing.T) {
	svc, store, _, _ := setup(t, "UNUSED00")
	ctx := context.Background()

	legacy, _ := store.GetSession(ctx, "s1")
	state := legacy.KeyState()
	state.Hash = ""
	state.LegacyPlaintext = "LEGACY42"
	_ = store.UpdateAccessKeyState(ctx, "s1", state)

	if _, err := svc.Validate(ctx, "s1", "LEGACY42"); err != nil {
		t.Fatalf("legacy key should validate: %v", err)
	}

	stored, _ := store.GetSession(ctx, "s1")
	if stored.AccessKey != "" {
		t.Error("plaintext should be cleared after rehash")
	}
	if stored.AccessKeyHash != Hash("LEGACY42") {
		t.Error("digest should be stored after rehash")
	}
	if _, err := svc.Validate(ctx, "s1", "LEGACY42"); err != nil {
		t.Errorf("rehashed key should keep validating: %v", err)
	}
}

func TestService_ValidateClosedOrMissing(t *testing.T) {
	svc, store, _, _ := setup(t, "ABCD1234")
	ctx := context.Background()

	if _, err := svc.Validate(ctx, "nope", "ABCD1234"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	s, _ := store.GetSession(ctx, "s1")
	s.Status = types.StatusCompleted
	_ = store.UpdateSession(ctx, s)
	if _, err := svc.Validate(ctx, "s1", "ABCD1234"); !errors.Is(err, types.ErrPreconditionFailed) {
		t.Errorf("expected precondition failure, got %v", err)
	}
}

func TestService_ValidatePersistFailure(t *testing.T) {
	svc, store, _, _ := setup(t, "ABCD1234")
	store.FailUpdate = errors.New("disk full")

	if _, err := svc.Validate(context.Background(), "s1", "ABCD1234"); err == nil {
		t.Error("persist failure should surface")
	}
}

func TestService_SendAccessKey(t *testing.T) {
	svc, store, notifier, _ := setup(t, "ABCD1234")
	ctx := context.Background()

	public, err := svc.SendAccessKey(ctx, "s1")
	if err != nil {
		t.Fatalf("SendAccessKey: %v", err)
	}
	if !public.AccessKeySent || public.AccessKeySentAt == nil {
		t.Error("sent flags should be set")
	}
	if len(notifier.sends) != 2 {
		t.Fatalf("expected both channels, got %v", notifier.sends)
	}
	if !strings.Contains(notifier.body, "https://clinic.example/telemedicine/s1") {
		t.Errorf("body missing join link: %q", notifier.body)
	}

	// The delivered code is the one that now validates; the old one does not.
	idx := strings.Index(notifier.body, "Access code: ")
	code := notifier.body[idx+len("Access code: ") : idx+len("Access code: ")+Length]
	stored, _ := store.GetSession(ctx, "s1")
	if !Verify(code, stored.AccessKeyHash, "") {
		t.Error("delivered code should match the stored digest")
	}
	if Verify("ABCD1234", stored.AccessKeyHash, "") {
		t.Error("previous code should be rotated out")
	}
}

func TestService_SendAccessKeyPartialFailure(t *testing.T) {
	svc, store, notifier, _ := setup(t, "ABCD1234")
	notifier.fail["email"] = errors.New("smtp down")

	if _, err := svc.SendAccessKey(context.Background(), "s1"); err != nil {
		t.Fatalf("one working channel should be enough: %v", err)
	}
	stored, _ := store.GetSession(context.Background(), "s1")
	if !stored.AccessKeySent {
		t.Error("accessKeySent should record the successful channel")
	}
}

func TestService_SendAccessKeyAllChannelsFail(t *testing.T) {
	svc, store, notifier, _ := setup(t, "ABCD1234")
	notifier.fail["email"] = errors.New("smtp down")
	notifier.fail["whatsapp"] = errors.New("api down")

	_, err := svc.SendAccessKey(context.Background(), "s1")
	if !errors.Is(err, types.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
	stored, _ := store.GetSession(context.Background(), "s1")
	if stored.AccessKeySent {
		t.Error("accessKeySent must stay false when nothing was delivered")
	}
	if !Verify("ABCD1234", stored.AccessKeyHash, "") {
		t.Error("stored key should be unchanged when delivery fails")
	}
}

func TestService_SendUpcoming(t *testing.T) {
	svc, store, notifier, clk := setup(t, "ABCD1234")
	ctx := context.Background()

	far := &types.Session{ID: "far", RoomID: "r-far", ClientEmail: "a@example.com", Status: types.StatusScheduled,
		ScheduledAt: clk.t.Add(72 * time.Hour), Active: true}
	noContact := &types.Session{ID: "quiet", RoomID: "r-quiet", Status: types.StatusScheduled,
		ScheduledAt: clk.t.Add(time.Hour), Active: true}
	_ = store.CreateSession(ctx, far)
	_ = store.CreateSession(ctx, noContact)

	sent, err := svc.SendUpcoming(ctx)
	if err != nil {
		t.Fatalf("SendUpcoming: %v", err)
	}
	if sent != 1 {
		t.Errorf("expected 1 delivery, got %d (%v)", sent, notifier.sends)
	}

	// Already-sent sessions are skipped on the next run.
	sent, _ = svc.SendUpcoming(ctx)
	if sent != 0 {
		t.Errorf("second run should send nothing, got %d", sent)
	}
}

// slowStore widens the window between a read and the following write so
// unserialized read-modify-write cycles would overlap.
type slowStore struct {
	*memstore.Store
	delay time.Duration
}

func (s *slowStore) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	session, err := s.Store.GetSession(ctx, sessionID)
	time.Sleep(s.delay)
	return session, err
}

func TestService_ConcurrentWrongGuessesLockOut(t *testing.T) {
	_, store, notifier, clk := setup(t, "ABCD1234")
	svc := NewService(&slowStore{Store: store, delay: 2 * time.Millisecond}, notifier, Config{Policy: DefaultPolicy()})
	svc.SetClock(clk.now)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Validate(ctx, "s1", "WRONG000")
		}()
	}
	wg.Wait()

	stored, _ := store.GetSession(ctx, "s1")
	if stored.AccessKeyLockedUntil == nil {
		t.Fatalf("20 wrong guesses must lock the key, attempts=%d", stored.AccessKeyValidationAttempts)
	}
	if stored.AccessKeyValidationAttempts != DefaultPolicy().MaxAttempts {
		t.Errorf("attempts = %d, want %d", stored.AccessKeyValidationAttempts, DefaultPolicy().MaxAttempts)
	}

	var locked *types.LockedError
	if _, err := svc.Validate(ctx, "s1", "ABCD1234"); !errors.As(err, &locked) {
		t.Errorf("correct code during lockout should be refused, got %v", err)
	}
}

func TestService_ValidateDoesNotRevertLifecycle(t *testing.T) {
	_, store, notifier, clk := setup(t, "ABCD1234")
	slow := &slowStore{Store: store, delay: 20 * time.Millisecond}
	svc := NewService(slow, notifier, Config{Policy: DefaultPolicy()})
	svc.SetClock(clk.now)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := svc.Validate(ctx, "s1", "ABCD1234")
		done <- err
	}()

	// Start the session while Validate holds its stale copy.
	time.Sleep(5 * time.Millisecond)
	s, _ := store.GetSession(ctx, "s1")
	started := clk.t
	s.Status = types.StatusActive
	s.StartedAt = &started
	if err := store.UpdateSession(ctx, s); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("Validate: %v", err)
	}
	stored, _ := store.GetSession(ctx, "s1")
	if stored.Status != types.StatusActive || stored.StartedAt == nil {
		t.Errorf("key validation reverted the lifecycle: status=%s startedAt=%v", stored.Status, stored.StartedAt)
	}
	if !stored.AccessKeyValidated {
		t.Error("validation outcome should still be stored")
	}
}

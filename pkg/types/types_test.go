package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSession_Validate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		session Session
		wantErr error
	}{
		{
			name:    "valid session",
			session: Session{CommerceID: "c1", ClientID: "cl1", DoctorID: "d1", Type: SessionTypeVideo, ScheduledAt: now},
		},
		{
			name:    "missing doctor",
			session: Session{CommerceID: "c1", ClientID: "cl1", Type: SessionTypeVideo, ScheduledAt: now},
			wantErr: ErrMissingParties,
		},
		{
			name:    "unknown type",
			session: Session{CommerceID: "c1", ClientID: "cl1", DoctorID: "d1", Type: "AUDIO", ScheduledAt: now},
			wantErr: ErrInvalidSessionType,
		},
		{
			name:    "missing schedule",
			session: Session{CommerceID: "c1", ClientID: "cl1", DoctorID: "d1", Type: SessionTypeChat},
			wantErr: ErrMissingSchedule,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.session.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil && !errors.Is(err, ErrInvalidInput) {
				t.Errorf("validation error %v should wrap ErrInvalidInput", err)
			}
		})
	}
}

func TestSession_PublicOmitsAccessKeyFields(t *testing.T) {
	s := &Session{
		ID:            "s1",
		RoomID:        "r1",
		AccessKey:     "ABCD1234",
		AccessKeyHash: "deadbeef",
		AccessKeySent: true,
		Status:        StatusScheduled,
	}

	data, err := json.Marshal(s.Public())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"accessKey", "accessKeyHash", "accessKeyValidationAttempts", "accessKeyLockedUntil"} {
		if _, ok := fields[key]; ok {
			t.Errorf("public projection exposes %q", key)
		}
	}
	if strings.Contains(string(data), "ABCD1234") || strings.Contains(string(data), "deadbeef") {
		t.Errorf("public projection leaks key material: %s", data)
	}
	if fields["accessKeySent"] != true {
		t.Errorf("accessKeySent should survive projection")
	}
}

func TestSession_PublicCopiesConnectedUsers(t *testing.T) {
	s := &Session{ConnectedUsers: []string{"u1"}}
	p := s.Public()
	p.ConnectedUsers[0] = "changed"
	if s.ConnectedUsers[0] != "u1" {
		t.Error("mutating the projection must not touch the record")
	}

	var nilSession *Session
	if nilSession.Public() != nil {
		t.Error("nil session should project to nil")
	}
}

func TestSessionStatus_IsTerminal(t *testing.T) {
	cases := map[SessionStatus]bool{
		StatusScheduled: false,
		StatusActive:    false,
		StatusCompleted: true,
		StatusCancelled: true,
	}
	for status, want := range cases {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestNormalizeMessage(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{name: "trims", in: "  hello \n", want: "hello"},
		{name: "empty", in: "   ", wantErr: ErrEmptyMessage},
		{name: "at limit", in: strings.Repeat("a", MaxMessageLength), want: strings.Repeat("a", MaxMessageLength)},
		{name: "over limit", in: strings.Repeat("a", MaxMessageLength+1), wantErr: ErrMessageTooLong},
		{name: "multibyte counted as characters", in: strings.Repeat("é", MaxMessageLength), want: strings.Repeat("é", MaxMessageLength)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeMessage(tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessage_ValidateSenderType(t *testing.T) {
	m := &Message{SenderType: "robot", Message: "hi"}
	if err := m.Validate(); !errors.Is(err, ErrInvalidSenderType) {
		t.Errorf("expected ErrInvalidSenderType, got %v", err)
	}

	m = &Message{SenderType: UserTypeClient, Message: "  hi  "}
	if err := m.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Message != "hi" {
		t.Errorf("message not trimmed: %q", m.Message)
	}
}

func TestLockedError_IsRateLimited(t *testing.T) {
	var err error = &LockedError{Until: time.Now().Add(time.Minute), Remaining: 90 * time.Second}
	if !errors.Is(err, ErrRateLimited) {
		t.Error("LockedError should match ErrRateLimited")
	}
	if !strings.Contains(err.Error(), "1m30s") {
		t.Errorf("error should mention remaining wait, got %q", err.Error())
	}

	var locked *LockedError
	if !errors.As(err, &locked) || locked.Remaining != 90*time.Second {
		t.Error("errors.As should recover the remaining duration")
	}
}

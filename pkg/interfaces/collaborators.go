package interfaces

import (
	"context"
	"io"
	"time"

	"telehealth/pkg/types"
)

// Notification channels used for access-key delivery.
const (
	ChannelEmail    = "email"
	ChannelWhatsApp = "whatsapp"
)

// Notifier delivers a message to a recipient over one channel.
type Notifier interface {
	SendMessage(ctx context.Context, channel, recipient, body string) error
}

// Identity is the verified subject of a staff credential.
type Identity struct {
	UserID string
	Role   string
}

// IdentityVerifier validates a staff bearer credential.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// UploadTicket is a presigned upload target for a recording artifact.
type UploadTicket struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RecordingStorage issues presigned uploads and accepts direct uploads.
type RecordingStorage interface {
	PresignUpload(ctx context.Context, commerceID, sessionID, contentType string) (*UploadTicket, error)
	Upload(ctx context.Context, commerceID, sessionID, contentType string, body io.Reader, size int64) (string, error)
}

// EventPublisher fans out lifecycle events to in-process subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event types.Event)
}

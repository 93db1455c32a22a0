package interfaces

import (
	"context"

	"telehealth/pkg/types"
)

// SessionStore persists sessions and chat messages. Updates are
// read-modify-write with last-write-wins semantics; no concurrency token is
// assumed. Lifecycle and access-key state are written through separate
// methods touching disjoint columns, so neither writer replays a stale copy
// of the other's fields.
type SessionStore interface {
	CreateSession(ctx context.Context, session *types.Session) error

	// GetSession returns ErrSessionNotFound for unknown ids.
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	// UpdateSession writes every mutable column except the access-key ones.
	UpdateSession(ctx context.Context, session *types.Session) error

	// UpdateAccessKeyState writes only the access-key columns.
	UpdateAccessKeyState(ctx context.Context, sessionID string, state types.AccessKeyState) error

	// ListSessions returns sessions matching every non-zero filter field,
	// ordered by scheduledAt.
	ListSessions(ctx context.Context, filter types.SessionFilter) ([]*types.Session, error)

	// CountByStatus aggregates sessions per status, ignoring soft-deleted rows.
	CountByStatus(ctx context.Context) (types.StatusCounts, error)

	StoreMessage(ctx context.Context, message *types.Message) error

	// ListMessages returns a session's messages ordered by timestamp.
	ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]*types.Message, error)

	// MarkMessagesRead flags unread messages in the session as read, skipping
	// those sent by readerID. An empty messageIDs marks all of them.
	MarkMessagesRead(ctx context.Context, sessionID, readerID string, messageIDs []string) (int, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// AttentionWriter receives best-effort write-backs to the external attention
// record. Failures are logged by callers, never propagated.
type AttentionWriter interface {
	UpdateAttention(ctx context.Context, attentionID string, patch types.AttentionPatch) error
}

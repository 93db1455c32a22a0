package relay

import (
	"fmt"

	"telehealth/pkg/types"
)

// Relay error types
var (
	ErrInvalidEnvelope    = fmt.Errorf("%w: malformed realtime message", types.ErrInvalidInput)
	ErrInvalidMessageType = fmt.Errorf("%w: unknown message type", types.ErrInvalidInput)
	ErrMissingRoom        = fmt.Errorf("%w: roomId is required", types.ErrInvalidInput)
	ErrRateLimitExceeded  = fmt.Errorf("%w: too many messages", types.ErrRateLimited)
	ErrIdentityMismatch   = fmt.Errorf("%w: claimed identity does not match connection", types.ErrUnauthorized)
	ErrNotParticipant     = fmt.Errorf("%w: user is not a participant of this session", types.ErrUnauthorized)
	ErrRoomMismatch       = fmt.Errorf("%w: room does not belong to session", types.ErrUnauthorized)
	ErrNotInRoom          = fmt.Errorf("%w: socket has not joined this room", types.ErrPreconditionFailed)
	ErrSessionClosed      = fmt.Errorf("%w: session is already completed or cancelled", types.ErrPreconditionFailed)
)

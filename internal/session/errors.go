package session

import (
	"fmt"

	"telehealth/pkg/types"
)

// Lifecycle error types
var (
	ErrNotScheduled       = fmt.Errorf("%w: session is not scheduled", types.ErrPreconditionFailed)
	ErrNotActive          = fmt.Errorf("%w: session is not active", types.ErrPreconditionFailed)
	ErrSessionClosed      = fmt.Errorf("%w: session is already completed or cancelled", types.ErrPreconditionFailed)
	ErrConsentRequired    = fmt.Errorf("%w: recording consent has not been given", types.ErrPreconditionFailed)
	ErrMissingRecording   = fmt.Errorf("%w: recording url is required", types.ErrInvalidInput)
	ErrNotParticipant     = fmt.Errorf("%w: sender is not a participant of this session", types.ErrUnauthorized)
	ErrSenderTypeMismatch = fmt.Errorf("%w: sender type does not match participant role", types.ErrUnauthorized)
)

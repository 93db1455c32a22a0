package types

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared by every component. Package-level errors wrap one of
// these so callers can branch with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrPreconditionFailed  = errors.New("precondition failed")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrRateLimited         = errors.New("rate limited")
	ErrCapacity            = errors.New("capacity exhausted")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInvalidInput        = errors.New("invalid input")
)

// Validation errors.
var (
	ErrInvalidSessionType = fmt.Errorf("%w: session type must be VIDEO, CHAT or BOTH", ErrInvalidInput)
	ErrMissingParties     = fmt.Errorf("%w: commerceId, clientId and doctorId are required", ErrInvalidInput)
	ErrMissingSchedule    = fmt.Errorf("%w: scheduledAt is required", ErrInvalidInput)
	ErrEmptyMessage       = fmt.Errorf("%w: message is empty", ErrInvalidInput)
	ErrMessageTooLong     = fmt.Errorf("%w: message exceeds %d characters", ErrInvalidInput, MaxMessageLength)
	ErrInvalidSenderType  = fmt.Errorf("%w: sender type must be staff, client or system", ErrInvalidInput)
	ErrInvalidRole        = fmt.Errorf("%w: role must be doctor or patient", ErrInvalidInput)
)

// LockedError reports an access-key lockout and how long the caller must wait.
type LockedError struct {
	Until     time.Time
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("access key locked, retry in %s", e.Remaining.Round(time.Second))
}

// Is makes LockedError match ErrRateLimited.
func (e *LockedError) Is(target error) bool {
	return target == ErrRateLimited
}

package interfaces

import (
	"fmt"

	"telehealth/pkg/types"
)

// Common store errors used across components.
var (
	ErrSessionNotFound = fmt.Errorf("session %w", types.ErrNotFound)
	ErrMessageNotFound = fmt.Errorf("message %w", types.ErrNotFound)
)

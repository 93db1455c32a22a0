package websocket

import (
	"errors"
	"fmt"

	"telehealth/pkg/types"
)

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrUnknownSocket = errors.New("socket is not registered")
	ErrCapacity      = fmt.Errorf("%w: connection limit reached", types.ErrCapacity)
)

// Handler-related errors
var (
	ErrMissingCredentials = fmt.Errorf("%w: token or sessionId and accessKey required", types.ErrUnauthorized)
)

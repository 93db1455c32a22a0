package hub

import "errors"

// Hub error types
var (
	ErrHubAlreadyRunning   = errors.New("hub is already running")
	ErrHubNotRunning       = errors.New("hub is not running")
	ErrDeliveryChannelFull = errors.New("delivery channel is full")
)

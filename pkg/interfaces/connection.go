package interfaces

// Connection is a realtime socket as seen by the connection registry and the
// relay. Implementations must make WriteJSON safe for concurrent callers.
type Connection interface {
	// ID returns the opaque socket id assigned on accept.
	ID() string

	// WriteJSON queues v for delivery to the peer.
	WriteJSON(v interface{}) error

	// Close closes the transport. Safe to call more than once.
	Close() error

	// IsAlive reports whether the underlying transport is still open.
	IsAlive() bool

	// UserID returns the authenticated user id, empty before authentication.
	UserID() string

	// UserType returns "staff" or "client".
	UserType() string

	// SessionID returns the session a client was admitted to by access key.
	// Staff connections are not bound to a session and return "".
	SessionID() string
}

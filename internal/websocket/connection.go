package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"telehealth/pkg/interfaces"
)

// Credentials is the identity established at handshake time. It never
// changes for the life of a connection.
type Credentials struct {
	UserID    string
	UserType  string
	SessionID string
}

const (
	writeBuffer         = 100
	defaultWriteTimeout = 5 * time.Second
)

// Connection implements interfaces.Connection.
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized, so every frame
// goes through one writer goroutine.
type Connection struct {
	id           string
	conn         *websocket.Conn
	writeCh      chan []byte
	creds        Credentials
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection wraps an upgraded socket and starts its writer.
func NewConnection(conn *websocket.Conn, creds Credentials, writeTimeout time.Duration) *Connection {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.NewString(),
		conn:         conn,
		writeCh:      make(chan []byte, writeBuffer),
		creds:        creds,
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

// writeLoop is the only goroutine that writes data frames. A failed write
// closes the connection so it shows up as stale.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON marshals v and queues it for the writer.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// CloseWith sends a close frame with code and reason, then closes.
func (c *Connection) CloseWith(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.Close()
}

// Close cancels the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) IsAlive() bool { return c.ctx.Err() == nil }

func (c *Connection) UserID() string { return c.creds.UserID }

func (c *Connection) UserType() string { return c.creds.UserType }

func (c *Connection) SessionID() string { return c.creds.SessionID }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

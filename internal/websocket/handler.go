package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telehealth/pkg/interfaces"
	"telehealth/pkg/types"
)

// KeyValidator admits clients by session id and access key.
type KeyValidator interface {
	Validate(ctx context.Context, sessionID, code string) (*types.PublicSession, error)
}

// Dispatcher receives inbound frames and disconnects. HandleMessage is called
// from the socket's read goroutine, so calls for one socket are ordered.
type Dispatcher interface {
	HandleMessage(ctx context.Context, conn interfaces.Connection, data []byte)
	HandleDisconnect(ctx context.Context, conn interfaces.Connection)
}

// HandlerConfig holds transport timings and limits.
type HandlerConfig struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	ReadBufferSize  int
	WriteBufferSize int
	AllowedOrigins  []string
	RetryAfter      time.Duration
}

// DefaultHandlerConfig returns 30s pings, a 60s pong deadline and 64KiB frames.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval:    30 * time.Second,
		PongWait:        60 * time.Second,
		WriteTimeout:    5 * time.Second,
		MaxMessageBytes: 64 * 1024,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		RetryAfter:      30 * time.Second,
	}
}

// Handler upgrades realtime requests after admission and authentication.
// ARCHITECTURAL DISCOVERY: Multi-stage validation (capacity -> credentials ->
// upgrade -> registration) keeps invalid requests from holding a socket.
type Handler struct {
	registry   *Registry
	verifier   interfaces.IdentityVerifier
	keys       KeyValidator
	dispatcher Dispatcher
	config     HandlerConfig
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// NewHandler creates the realtime endpoint handler.
func NewHandler(registry *Registry, verifier interfaces.IdentityVerifier, keys KeyValidator, dispatcher Dispatcher, config HandlerConfig) *Handler {
	defaults := DefaultHandlerConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.PongWait <= config.PingInterval {
		config.PongWait = 2 * config.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = defaults.MaxMessageBytes
	}
	if config.RetryAfter <= 0 {
		config.RetryAfter = defaults.RetryAfter
	}

	h := &Handler{
		registry:   registry,
		verifier:   verifier,
		keys:       keys,
		dispatcher: dispatcher,
		config:     config,
		logger:     log.With().Str("component", "websocket").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   config.ReadBufferSize,
		WriteBufferSize:  config.WriteBufferSize,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

// ServeHTTP handles a realtime connection request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.registry.CanAccept() {
		h.rejectCapacity(w)
		return
	}

	creds, err := h.authenticate(r)
	if err != nil {
		h.rejectAuth(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	wsConn := NewConnection(conn, creds, h.config.WriteTimeout)

	// The cap can be reached between the pre-check and here.
	if err := h.registry.Accept(wsConn); err != nil {
		h.logger.Warn().Err(err).Str("user_id", creds.UserID).Msg("connection refused after upgrade")
		_ = wsConn.CloseWith(websocket.CloseTryAgainLater, "server at capacity, retry later")
		return
	}

	h.logger.Info().Str("socket_id", wsConn.ID()).Str("user_id", creds.UserID).
		Str("user_type", creds.UserType).Msg("connection accepted")
	go h.handleConnection(wsConn)
}

// authenticate resolves the caller from a staff token or a session access key.
func (h *Handler) authenticate(r *http.Request) (Credentials, error) {
	q := r.URL.Query()
	token := q.Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token != "" && h.verifier != nil {
		identity, err := h.verifier.Verify(r.Context(), token)
		if err != nil {
			return Credentials{}, err
		}
		return Credentials{UserID: identity.UserID, UserType: types.UserTypeStaff}, nil
	}

	sessionID, key := q.Get("sessionId"), q.Get("accessKey")
	if sessionID == "" || key == "" || h.keys == nil {
		return Credentials{}, ErrMissingCredentials
	}
	session, err := h.keys.Validate(r.Context(), sessionID, key)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{UserID: session.ClientID, UserType: types.UserTypeClient, SessionID: session.ID}, nil
}

// handleConnection runs the read pump and heartbeat until the socket closes.
func (h *Handler) handleConnection(conn *Connection) {
	ctx := context.Background()
	defer func() {
		_ = conn.Close()
		if h.dispatcher != nil {
			h.dispatcher.HandleDisconnect(ctx, conn)
		}
		h.registry.Disconnect(conn.ID())
		h.logger.Info().Str("socket_id", conn.ID()).Str("user_id", conn.UserID()).Msg("connection closed")
	}()

	ws := conn.conn
	ws.SetReadLimit(h.config.MaxMessageBytes)
	if err := ws.SetReadDeadline(time.Now().Add(h.config.PongWait)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("socket_id", conn.ID()).Msg("websocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage || h.dispatcher == nil {
			continue
		}
		h.dispatcher.HandleMessage(ctx, conn, data)
	}
}

// pingLoop sends heartbeats. A failed ping closes the connection, which ends
// the read pump and marks the socket stale.
func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.config.WriteTimeout)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) rejectCapacity(w http.ResponseWriter) {
	w.Header().Set("Retry-After", strconv.Itoa(int(h.config.RetryAfter.Seconds())))
	writeError(w, http.StatusServiceUnavailable, "capacity", "server at capacity, retry later")
}

func (h *Handler) rejectAuth(w http.ResponseWriter, err error) {
	var locked *types.LockedError
	switch {
	case errors.As(err, &locked):
		secs := int(math.Ceil(locked.Remaining.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusTooManyRequests, "too_many_requests", locked.Error())
	case errors.Is(err, types.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "session not found")
	case errors.Is(err, types.ErrPreconditionFailed):
		writeError(w, http.StatusConflict, "precondition_failed", "session is closed")
	case errors.Is(err, types.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
	default:
		h.logger.Error().Err(err).Msg("realtime authentication failed")
		writeError(w, http.StatusBadGateway, "upstream_unavailable", "authentication unavailable")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Code: code, Message: message})
}

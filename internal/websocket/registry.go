package websocket

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telehealth/internal/metrics"
	"telehealth/pkg/interfaces"
	"telehealth/pkg/types"
)

// DefaultMaxConnections is the per-process admission cap.
const DefaultMaxConnections = 500

type member struct {
	conn     interfaces.Connection
	userID   string
	userType string
}

type room struct {
	sessionID string
	members   map[string]*member // socketID -> member
}

// RoomChange describes a room whose membership shrank. Presence is the
// snapshot after the change; Emptied means the room no longer exists.
type RoomChange struct {
	RoomID    string
	SessionID string
	SocketID  string
	UserID    string
	UserType  string
	Presence  types.Presence
	Emptied   bool
}

// JoinResult is returned by Join.
type JoinResult struct {
	SessionID string
	WasEmpty  bool
	Presence  types.Presence
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Connections    int `json:"connections"`
	Rooms          int `json:"rooms"`
	MaxConnections int `json:"maxConnections"`
}

// Registry tracks admitted sockets and room membership for this process.
// ARCHITECTURAL DISCOVERY: Pure connection bookkeeping, no business logic.
// Only the realtime path mutates it.
type Registry struct {
	mu           sync.RWMutex
	sockets      map[string]interfaces.Connection // socketID -> connection
	socketRooms  map[string]map[string]struct{}   // socketID -> roomIDs
	rooms        map[string]*room                 // roomID -> members
	roomSessions map[string]string                // roomID -> sessionID
	count        atomic.Int64
	max          int
	logger       zerolog.Logger
}

// NewRegistry creates a registry admitting at most maxConnections sockets.
func NewRegistry(maxConnections int) *Registry {
	if maxConnections <= 0 {
		maxConnections = DefaultMaxConnections
	}
	return &Registry{
		sockets:      make(map[string]interfaces.Connection),
		socketRooms:  make(map[string]map[string]struct{}),
		rooms:        make(map[string]*room),
		roomSessions: make(map[string]string),
		max:          maxConnections,
		logger:       log.With().Str("component", "registry").Logger(),
	}
}

// CanAccept reports whether another connection would be admitted.
func (r *Registry) CanAccept() bool {
	return int(r.count.Load()) < r.max
}

// Accept admits conn, failing with ErrCapacity at the cap. The counter never
// exceeds the configured maximum.
func (r *Registry) Accept(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sockets[conn.ID()]; exists {
		return nil
	}
	if len(r.sockets) >= r.max {
		metrics.ConnectionsRejected.Inc()
		return ErrCapacity
	}
	r.sockets[conn.ID()] = conn
	r.count.Store(int64(len(r.sockets)))
	metrics.Connections.Set(float64(len(r.sockets)))
	return nil
}

// Disconnect forgets socketID entirely, leaving every room it was in.
// Unknown ids are ignored.
func (r *Registry) Disconnect(socketID string) []RoomChange {
	r.mu.Lock()
	defer r.mu.Unlock()

	changes := r.removeSocketLocked(socketID)
	if _, ok := r.sockets[socketID]; ok {
		delete(r.sockets, socketID)
		r.count.Store(int64(len(r.sockets)))
	}
	r.publishGaugesLocked()
	return changes
}

// Join adds an admitted socket to roomID and binds the room to sessionID.
// WasEmpty reports whether the room had no members before this call.
func (r *Registry) Join(roomID, sessionID string, conn interfaces.Connection, userID, userType string) (JoinResult, error) {
	if conn == nil {
		return JoinResult{}, ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sockets[conn.ID()]; !ok {
		return JoinResult{}, ErrUnknownSocket
	}

	rm, exists := r.rooms[roomID]
	if !exists {
		rm = &room{members: make(map[string]*member)}
		r.rooms[roomID] = rm
	}
	wasEmpty := len(rm.members) == 0
	rm.sessionID = sessionID
	rm.members[conn.ID()] = &member{conn: conn, userID: userID, userType: userType}
	r.roomSessions[roomID] = sessionID

	if r.socketRooms[conn.ID()] == nil {
		r.socketRooms[conn.ID()] = make(map[string]struct{})
	}
	r.socketRooms[conn.ID()][roomID] = struct{}{}

	r.publishGaugesLocked()
	return JoinResult{SessionID: sessionID, WasEmpty: wasEmpty, Presence: presenceOf(rm)}, nil
}

// Leave removes socketID from roomID. It returns false when the socket was
// not a member.
func (r *Registry) Leave(roomID, socketID string) (RoomChange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	change, ok := r.leaveLocked(roomID, socketID)
	r.publishGaugesLocked()
	return change, ok
}

// ClearRoom drops every member of roomID and its session binding. Sockets
// stay connected. The removed connections are returned.
func (r *Registry) ClearRoom(roomID string) []interfaces.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []interfaces.Connection
	if rm, ok := r.rooms[roomID]; ok {
		for socketID, m := range rm.members {
			removed = append(removed, m.conn)
			if rooms := r.socketRooms[socketID]; rooms != nil {
				delete(rooms, roomID)
				if len(rooms) == 0 {
					delete(r.socketRooms, socketID)
				}
			}
		}
		delete(r.rooms, roomID)
	}
	delete(r.roomSessions, roomID)
	r.publishGaugesLocked()
	return removed
}

// SweepStale drops sockets whose transport is no longer live from every room
// and from the admitted set. Rooms left with no valid socket are deleted.
func (r *Registry) SweepStale() []RoomChange {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changes []RoomChange
	for socketID, conn := range r.sockets {
		if conn.IsAlive() {
			continue
		}
		changes = append(changes, r.removeSocketLocked(socketID)...)
		delete(r.sockets, socketID)
	}

	r.count.Store(int64(len(r.sockets)))
	r.publishGaugesLocked()
	if len(changes) > 0 {
		r.logger.Debug().Int("changes", len(changes)).Msg("stale sockets swept")
	}
	return changes
}

// SeedRoomSessions restores roomID -> sessionID bindings after a restart.
// Existing bindings are kept.
func (r *Registry) SeedRoomSessions(bindings map[string]string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	seeded := 0
	for roomID, sessionID := range bindings {
		if _, exists := r.roomSessions[roomID]; exists {
			continue
		}
		r.roomSessions[roomID] = sessionID
		seeded++
	}
	return seeded
}

// SessionForRoom returns the session bound to roomID.
func (r *Registry) SessionForRoom(roomID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessionID, ok := r.roomSessions[roomID]
	return sessionID, ok
}

// InRoom reports whether socketID is a member of roomID.
func (r *Registry) InRoom(roomID, socketID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	_, ok = rm.members[socketID]
	return ok
}

// RoomConnections returns the members of roomID other than exceptSocketID.
func (r *Registry) RoomConnections(roomID, exceptSocketID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	conns := make([]interfaces.Connection, 0, len(rm.members))
	for socketID, m := range rm.members {
		if socketID == exceptSocketID {
			continue
		}
		conns = append(conns, m.conn)
	}
	return conns
}

// Presence returns the reduced presence snapshot of roomID.
func (r *Registry) Presence(roomID string) types.Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return types.Presence{ConnectedUsers: []string{}}
	}
	return presenceOf(rm)
}

// Stats returns connection and room counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Connections:    len(r.sockets),
		Rooms:          len(r.rooms),
		MaxConnections: r.max,
	}
}

func (r *Registry) removeSocketLocked(socketID string) []RoomChange {
	var changes []RoomChange
	for roomID := range r.socketRooms[socketID] {
		if change, ok := r.leaveLocked(roomID, socketID); ok {
			changes = append(changes, change)
		}
	}
	delete(r.socketRooms, socketID)
	return changes
}

func (r *Registry) leaveLocked(roomID, socketID string) (RoomChange, bool) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return RoomChange{}, false
	}
	m, ok := rm.members[socketID]
	if !ok {
		return RoomChange{}, false
	}
	delete(rm.members, socketID)

	if rooms := r.socketRooms[socketID]; rooms != nil {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.socketRooms, socketID)
		}
	}

	change := RoomChange{
		RoomID:    roomID,
		SessionID: rm.sessionID,
		SocketID:  socketID,
		UserID:    m.userID,
		UserType:  m.userType,
		Presence:  presenceOf(rm),
	}
	if len(rm.members) == 0 {
		// TECHNICAL DISCOVERY: Empty rooms are deleted with their session
		// binding so the maps do not grow with finished consultations.
		delete(r.rooms, roomID)
		delete(r.roomSessions, roomID)
		change.Emptied = true
	}
	return change, true
}

func (r *Registry) publishGaugesLocked() {
	metrics.Connections.Set(float64(len(r.sockets)))
	metrics.Rooms.Set(float64(len(r.rooms)))
}

// presenceOf reduces a room to distinct user ids plus role markers.
func presenceOf(rm *room) types.Presence {
	seen := make(map[string]bool, len(rm.members))
	p := types.Presence{ConnectedUsers: []string{}}
	for _, m := range rm.members {
		if !seen[m.userID] {
			seen[m.userID] = true
			p.ConnectedUsers = append(p.ConnectedUsers, m.userID)
		}
		switch m.userType {
		case types.UserTypeStaff:
			p.ConnectedDoctorID = m.userID
		case types.UserTypeClient:
			p.ConnectedPatientID = m.userID
		}
	}
	sort.Strings(p.ConnectedUsers)
	return p
}

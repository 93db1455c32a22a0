package relay

import (
	"context"
	"fmt"

	"telehealth/pkg/types"
)

// SweepStale drops dead sockets from their rooms and persists the resulting
// presence. Rooms left empty have their persisted presence cleared. It
// returns the number of memberships removed.
func (r *Relay) SweepStale(ctx context.Context) int {
	changes := r.registry.SweepStale()
	for _, change := range changes {
		r.limiter.Remove(change.SocketID)
		r.applyRoomChange(ctx, change)
	}
	return len(changes)
}

// Recover seeds room -> session bindings from ACTIVE sessions that still had
// connected users when the previous process stopped. Socket membership is
// rebuilt as clients reconnect.
func (r *Relay) Recover(ctx context.Context) (int, error) {
	sessions, err := r.sessions.List(ctx, types.SessionFilter{
		Statuses:          []types.SessionStatus{types.StatusActive},
		HasConnectedUsers: true,
	})
	if err != nil {
		return 0, fmt.Errorf("list sessions for recovery: %w", err)
	}

	bindings := make(map[string]string, len(sessions))
	for _, s := range sessions {
		if s.RoomID != "" {
			bindings[s.RoomID] = s.ID
		}
	}
	n := r.registry.SeedRoomSessions(bindings)
	r.logger.Info().Int("rooms", n).Msg("room bindings recovered")
	return n, nil
}

// DeliverRemote hands a broadcast received from another process to local
// members of its room. It is never republished.
func (r *Relay) DeliverRemote(b types.RoomBroadcast) {
	r.deliverLocal(b.RoomID, "", b.Payload)
	if b.ClearRoom {
		r.registry.ClearRoom(b.RoomID)
	}
}

package relay

import (
	"context"

	"telehealth/internal/events"
	"telehealth/pkg/types"
)

// Subscribe wires lifecycle events to room broadcasts. Completion and
// cancellation also clear the room, here and on every other process.
func (r *Relay) Subscribe(bus *events.Bus) {
	bus.Subscribe(types.EventSessionStarted, func(ctx context.Context, e types.Event) {
		r.Broadcast(ctx, e.RoomID, "", r.frame(TypeSessionStarted, notice(e)))
	})
	bus.Subscribe(types.EventSessionCompleted, func(ctx context.Context, e types.Event) {
		r.closeRoom(ctx, e.RoomID, r.frame(TypeSessionCompleted, notice(e)))
	})
	bus.Subscribe(types.EventSessionCancelled, func(ctx context.Context, e types.Event) {
		r.closeRoom(ctx, e.RoomID, r.frame(TypeSessionCancelled, notice(e)))
	})
	bus.Subscribe(types.EventMessageCreated, func(ctx context.Context, e types.Event) {
		if e.Message == nil {
			return
		}
		r.Broadcast(ctx, e.RoomID, "", r.frame(TypeNewMessage, e.Message))
	})
}

// closeRoom delivers a terminal notice to every socket in the room regardless
// of role, then drops the room.
func (r *Relay) closeRoom(ctx context.Context, roomID string, frame Outbound) {
	r.broadcast(ctx, roomID, "", frame, true)
	removed := r.registry.ClearRoom(roomID)
	r.logger.Info().Str("room_id", roomID).Int("sockets", len(removed)).Msg("room closed")
}

func notice(e types.Event) SessionNotice {
	return SessionNotice{
		SessionID: e.SessionID,
		RoomID:    e.RoomID,
		ActorID:   e.ActorID,
		Session:   e.Session,
	}
}

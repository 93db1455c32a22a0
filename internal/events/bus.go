// Package events is a synchronous in-process publish/subscribe bus. The
// session lifecycle publishes to it and the realtime relay subscribes, so
// neither package imports the other.
package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"telehealth/pkg/interfaces"
	"telehealth/pkg/types"
)

// Handler consumes one event.
type Handler func(ctx context.Context, event types.Event)

// Bus dispatches events to subscribers in registration order on the
// publisher's goroutine. Publish returns after every handler has run.
type Bus struct {
	mu       sync.RWMutex
	handlers map[types.EventType][]Handler
}

var _ interfaces.EventPublisher = (*Bus)(nil)

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[types.EventType][]Handler)}
}

// Subscribe registers h for events of type t.
func (b *Bus) Subscribe(t types.EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish delivers event to its subscribers. A panicking handler is logged
// and does not prevent the remaining handlers from running.
func (b *Bus) Publish(ctx context.Context, event types.Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[event.Type]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(ctx, h, event)
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, event types.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event", string(event.Type)).
				Str("session_id", event.SessionID).Msg("event handler panicked")
		}
	}()
	h(ctx, event)
}

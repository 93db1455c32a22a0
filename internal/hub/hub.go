// Package hub serializes broadcasts arriving from other processes onto a
// single goroutine before they reach local sockets.
package hub

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telehealth/pkg/types"
)

// Sink receives deliveries in arrival order.
type Sink interface {
	DeliverRemote(b types.RoomBroadcast)
}

// Hub coordinates inbound backplane traffic.
// ARCHITECTURAL DISCOVERY: One consumer goroutine keeps per-room delivery
// order on this process equal to arrival order.
type Hub struct {
	deliveries chan types.RoomBroadcast // TECHNICAL DISCOVERY: 1000 buffer absorbs bursts of ICE candidates
	shutdown   chan struct{}
	done       chan struct{}

	sink   Sink
	logger zerolog.Logger

	running bool
	mu      sync.RWMutex
}

// NewHub creates a hub feeding sink.
func NewHub(sink Sink) *Hub {
	return &Hub{
		deliveries: make(chan types.RoomBroadcast, 1000),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		sink:       sink,
		logger:     log.With().Str("component", "hub").Logger(),
	}
}

// Start begins processing deliveries.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	h.logger.Info().Msg("starting delivery hub")
	go h.run(ctx)
	return nil
}

// Stop shuts the hub down and waits for the loop to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	h.mu.Unlock()

	<-h.done
	h.logger.Info().Msg("delivery hub stopped")
	return nil
}

// Deliver queues b without blocking. Its signature matches the backplane's
// receive callback.
func (h *Hub) Deliver(b types.RoomBroadcast) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	select {
	case h.deliveries <- b:
		return nil
	default:
		h.logger.Warn().Str("room_id", b.RoomID).Msg("delivery channel full, dropping remote broadcast")
		return ErrDeliveryChannelFull
	}
}

// Pending returns the number of queued deliveries.
func (h *Hub) Pending() int {
	return len(h.deliveries)
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case b := <-h.deliveries:
			h.deliver(b)
		case <-h.shutdown:
			return
		case <-ctx.Done():
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) deliver(b types.RoomBroadcast) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Str("room_id", b.RoomID).Msg("remote delivery panicked")
		}
	}()
	h.sink.DeliverRemote(b)
}

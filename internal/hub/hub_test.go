package hub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"telehealth/pkg/types"
)

type recordingSink struct {
	mu    sync.Mutex
	rooms []string
	panic bool
}

func (s *recordingSink) DeliverRemote(b types.RoomBroadcast) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panic && b.RoomID == "boom" {
		panic("sink failure")
	}
	s.rooms = append(s.rooms, b.RoomID)
}

func (s *recordingSink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rooms...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHub_StartStop(t *testing.T) {
	hub := NewHub(&recordingSink{})

	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := hub.Start(context.Background()); err != ErrHubAlreadyRunning {
		t.Errorf("expected ErrHubAlreadyRunning, got %v", err)
	}
	if err := hub.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := hub.Stop(); err != ErrHubNotRunning {
		t.Errorf("expected ErrHubNotRunning, got %v", err)
	}
	if err := hub.Deliver(types.RoomBroadcast{RoomID: "r"}); err != ErrHubNotRunning {
		t.Errorf("Deliver after stop: expected ErrHubNotRunning, got %v", err)
	}
}

func TestHub_PreservesArrivalOrder(t *testing.T) {
	sink := &recordingSink{}
	hub := NewHub(sink)
	_ = hub.Start(context.Background())
	defer hub.Stop()

	const n = 200
	for i := 0; i < n; i++ {
		if err := hub.Deliver(types.RoomBroadcast{RoomID: fmt.Sprintf("room-%03d", i)}); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}
	waitFor(t, func() bool { return len(sink.received()) == n })

	for i, room := range sink.received() {
		if want := fmt.Sprintf("room-%03d", i); room != want {
			t.Fatalf("delivery %d = %s, want %s", i, room, want)
		}
	}
}

func TestHub_SurvivesSinkPanic(t *testing.T) {
	sink := &recordingSink{panic: true}
	hub := NewHub(sink)
	_ = hub.Start(context.Background())
	defer hub.Stop()

	_ = hub.Deliver(types.RoomBroadcast{RoomID: "boom"})
	_ = hub.Deliver(types.RoomBroadcast{RoomID: "after"})
	waitFor(t, func() bool { return len(sink.received()) == 1 })
}

func TestHub_FullChannelDrops(t *testing.T) {
	hub := NewHub(&recordingSink{})
	// running without a consumer so the buffer fills
	hub.running = true

	for i := 0; i < cap(hub.deliveries); i++ {
		if err := hub.Deliver(types.RoomBroadcast{RoomID: "r"}); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if err := hub.Deliver(types.RoomBroadcast{RoomID: "r"}); err != ErrDeliveryChannelFull {
		t.Errorf("expected ErrDeliveryChannelFull, got %v", err)
	}
	if hub.Pending() != cap(hub.deliveries) {
		t.Errorf("pending = %d", hub.Pending())
	}
}

func TestHub_ContextCancelStops(t *testing.T) {
	hub := NewHub(&recordingSink{})
	ctx, cancel := context.WithCancel(context.Background())
	_ = hub.Start(ctx)
	cancel()

	waitFor(t, func() bool {
		return hub.Deliver(types.RoomBroadcast{RoomID: "r"}) == ErrHubNotRunning
	})
}

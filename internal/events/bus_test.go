package events

import (
	"context"
	"testing"

	"telehealth/pkg/types"
)

func TestBus_DeliversInOrderBeforeReturning(t *testing.T) {
	bus := NewBus()
	var got []string

	bus.Subscribe(types.EventSessionCompleted, func(ctx context.Context, e types.Event) {
		got = append(got, "first:"+e.SessionID)
	})
	bus.Subscribe(types.EventSessionCompleted, func(ctx context.Context, e types.Event) {
		got = append(got, "second:"+e.SessionID)
	})
	bus.Subscribe(types.EventSessionStarted, func(ctx context.Context, e types.Event) {
		got = append(got, "wrong type")
	})

	bus.Publish(context.Background(), types.Event{Type: types.EventSessionCompleted, SessionID: "s1"})

	if len(got) != 2 || got[0] != "first:s1" || got[1] != "second:s1" {
		t.Errorf("unexpected deliveries: %v", got)
	}
}

func TestBus_PanickingHandlerIsIsolated(t *testing.T) {
	bus := NewBus()
	called := false

	bus.Subscribe(types.EventMessageCreated, func(ctx context.Context, e types.Event) { panic("boom") })
	bus.Subscribe(types.EventMessageCreated, func(ctx context.Context, e types.Event) { called = true })

	bus.Publish(context.Background(), types.Event{Type: types.EventMessageCreated})

	if !called {
		t.Error("handler after a panicking one should still run")
	}
}

func TestBus_NoSubscribers(t *testing.T) {
	NewBus().Publish(context.Background(), types.Event{Type: types.EventSessionCancelled})
}

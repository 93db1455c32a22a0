package relay

import "testing"

func TestRateLimiter_BurstThenDeny(t *testing.T) {
	rl := NewRateLimiter(1, 3)
	for i := 0; i < 3; i++ {
		if !rl.Allow("sock-1") {
			t.Fatalf("message %d within burst denied", i+1)
		}
	}
	if rl.Allow("sock-1") {
		t.Error("message beyond burst allowed")
	}
	if !rl.Allow("sock-2") {
		t.Error("limits must be per socket")
	}
}

func TestRateLimiter_Remove(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	rl.Allow("sock-1")
	rl.Allow("sock-2")
	rl.Remove("sock-1")
	if rl.Len() != 1 {
		t.Errorf("tracked sockets = %d, want 1", rl.Len())
	}
}

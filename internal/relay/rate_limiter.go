package relay

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter applies a token bucket per socket.
// ARCHITECTURAL DISCOVERY: Per-socket state is dropped on disconnect, so the
// map never outlives the connections it tracks.
type RateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// NewRateLimiter allows perSecond sustained messages with the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 20
	}
	if burst <= 0 {
		burst = 40
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether socketID may send another message now.
func (rl *RateLimiter) Allow(socketID string) bool {
	rl.mu.Lock()
	l, ok := rl.limiters[socketID]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[socketID] = l
	}
	rl.mu.Unlock()
	return l.Allow()
}

// Remove forgets socketID.
func (rl *RateLimiter) Remove(socketID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.limiters, socketID)
}

// Len returns the number of tracked sockets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

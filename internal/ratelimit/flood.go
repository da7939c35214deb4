package ratelimit

import "golang.org/x/time/rate"

// FloodGuard is an in-process token bucket applied to raw inbound WebSocket messages, before any parsing. It protects
// the read loop from a misbehaving client; the sliding-window limiter governs the semantic channels.
type FloodGuard struct {
	limiter *rate.Limiter
}

// NewFloodGuard creates a guard allowing eventsPerSecond sustained with the given burst.
func NewFloodGuard(eventsPerSecond float64, burst int) *FloodGuard {
	if eventsPerSecond <= 0 {
		eventsPerSecond = 20
	}
	if burst <= 0 {
		burst = int(eventsPerSecond) * 2
	}
	return &FloodGuard{limiter: rate.NewLimiter(rate.Limit(eventsPerSecond), burst)}
}

// Allow reports whether one more inbound message may be processed now.
func (g *FloodGuard) Allow() bool {
	return g.limiter.Allow()
}

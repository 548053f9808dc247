package realtime

import (
	"time"

	"golang.org/x/time/rate"
)

const (
	// Inbound websocket events per connection: a burst of rateLimitEvents,
	// refilled evenly over rateLimitWindow.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

// RateLimiter throttles inbound events of one connection. Callers pass the
// event time so tests can drive it with a fake clock.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter allows limit events per window. Non-positive inputs fall
// back to the defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{lim: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)}
}

// Allow reports whether an event at now is within budget.
func (r *RateLimiter) Allow(now time.Time) bool {
	return r.lim.AllowN(now, 1)
}

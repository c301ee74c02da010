// Package server throttles inbound frames per connection so one client cannot
// flood its floor with relays.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter allows bursts of capacity frames, refilled evenly over
// interval.
func newRateLimiter(capacity int, interval time.Duration) *rate.Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Every(interval/time.Duration(capacity)), capacity)
}

package dispatch

import "time"

const (
	baseRetryDelay = 5 * time.Minute
	maxRetryDelay  = 24 * time.Hour
)

// NextRetryDelay is the wait before the next attempt of a job that has
// already failed attempt times: 5m, 10m, then doubling up to 24h.
func NextRetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return baseRetryDelay
	}
	d := 2 * baseRetryDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

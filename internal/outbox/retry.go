package outbox

import (
	"math"
	"math/rand"
	"time"
)

// FullJitterBackoff computes the attempt-indexed retry delay:
// min(cap, base * 2^attempt) scaled by a uniform random factor in [0, 1).
// Full jitter spreads retries evenly instead of synchronizing workers.
func FullJitterBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = time.Minute
	}

	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(cap) {
		d = float64(cap)
	}
	return time.Duration(d * rand.Float64())
}

package remote

import (
	"math/rand"
	"time"
)

// backoffFor returns the wait before retry number attempt (1-based):
// initial * 2^(attempt-1), capped at max, with ±20% jitter so parallel
// table workers do not retry in lockstep.
func backoffFor(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}

	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}

	jitter := time.Duration(rand.Int63n(int64(d)/5+1) - int64(d)/10)
	d += jitter
	if d > max {
		d = max
	}
	if d < 0 {
		d = 0
	}
	return d
}

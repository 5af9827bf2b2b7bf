// Package retry provides the jittered exponential backoff used by the
// dashboard client's reconnect loop and the orchestrator's retry queue.
package retry

import (
	"math/rand/v2"
	"time"
)

// Delay computes the wait before attempt n (0-based):
//
//	base·2^n + uniform(0, 0.3·base·2^n), clamped at max.
//
// The clamp applies to the whole result, jitter included, so the result
// never exceeds max.
func Delay(base time.Duration, n int, max time.Duration) time.Duration {
	exp := base
	for i := 0; i < n && exp < max; i++ {
		exp *= 2
	}
	if exp > max {
		exp = max
	}
	jitter := time.Duration(rand.Int64N(int64(exp)*3/10 + 1))
	if d := exp + jitter; d < max {
		return d
	}
	return max
}

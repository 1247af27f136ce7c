package transport

import "time"

// BackoffDelay computes the wait before reconnection attempt n (n >= 1)
// as min(base * 2^n, ceiling). The sequence is non-decreasing in n and
// saturates at the ceiling, so a long outage never produces unbounded
// waits and a flapping link never retries in a tight loop.
func BackoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling || delay <= 0 { // <= 0 guards shift overflow
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

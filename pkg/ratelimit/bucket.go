// Package ratelimit implements the leaky bucket that gates every
// connectionless request.
package ratelimit

// Bucket drains one unit per period. Times are in milliseconds on any
// monotonic clock shared by the caller.
type Bucket struct {
	lastTime int64
	burst    int
}

// Admit reports whether a request arriving at now fits in a bucket of
// capacity burst draining one unit every period. An admitted request
// consumes one unit.
func (b *Bucket) Admit(now int64, burst int, period int64) bool {
	if period <= 0 {
		period = 1
	}

	interval := now - b.lastTime
	expired := interval / period
	expiredRemainder := interval % period

	if expired > int64(b.burst) || interval < 0 {
		b.burst = 0
		b.lastTime = now
	} else {
		b.burst -= int(expired)
		b.lastTime = now - expiredRemainder
	}

	if b.burst < burst {
		b.burst++
		return true
	}
	return false
}

// Level is the number of units currently held.
func (b *Bucket) Level() int {
	return b.burst
}

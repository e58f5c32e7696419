package transfer

import (
	"context"

	"golang.org/x/time/rate"
)

// NewBWLimiter creates a rate.Limiter that caps download throughput to
// bytesPerSec. The burst is capped at 64 KB, or the rate itself when lower.
func NewBWLimiter(bytesPerSec int64) *rate.Limiter {
	burst := 64 << 10
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// waitN blocks until limiter admits n bytes. Requests larger than the burst
// are split so that slow limits never fail outright.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	if limiter == nil {
		return nil
	}
	burst := limiter.Burst()
	if burst <= 0 {
		return nil
	}
	for n > 0 {
		step := min(n, burst)
		if err := limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

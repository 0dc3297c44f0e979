package ratelimit

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// Limiter caps the request rate shared by all workers. A nil *Limiter or one
// built with rps <= 0 never blocks.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter creates a Limiter allowing rps requests per second with the
// given burst
func NewLimiter(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = int(math.Max(1, math.Ceil(rps)))
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &Limiter{limiter: rate.NewLimiter(limit, burst)}
}

// Wait blocks until a request may be sent or ctx is done
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// Package pacing spaces out sequential calls to rate-limited upstreams.
package pacing

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer blocks until the next upstream call is allowed to proceed. Both
// verification and correction route every external call through one Pacer,
// which is what keeps the call pattern strictly sequential.
type Pacer interface {
	Wait(ctx context.Context) error
}

// IntervalPacer enforces a minimum interval between calls with a token
// bucket of burst 1: the first call proceeds immediately, every later call
// waits out the remainder of the interval.
type IntervalPacer struct {
	limiter *rate.Limiter
}

func NewIntervalPacer(minInterval time.Duration) *IntervalPacer {
	if minInterval <= 0 {
		return &IntervalPacer{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &IntervalPacer{limiter: rate.NewLimiter(rate.Every(minInterval), 1)}
}

func (p *IntervalPacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// NopPacer never waits.
type NopPacer struct{}

func (NopPacer) Wait(context.Context) error { return nil }

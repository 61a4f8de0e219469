package wal

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// retryPolicy throttles manifest compare-and-swap attempts. The rate limiter
// paces steady-state commits toward the target throughput; the exponential
// backoff spaces out retries after a lost race, so contending writers drain
// the reserve capacity instead of busy-looping on the manifest.
type retryPolicy struct {
	limiter    *rate.Limiter
	target     int
	reserve    int
	maxElapsed time.Duration
}

func newRetryPolicy(target, reserve int) *retryPolicy {
	if target < 1 {
		target = 1
	}
	if reserve < 1 {
		reserve = 1
	}
	return &retryPolicy{
		limiter:    rate.NewLimiter(rate.Limit(target), reserve),
		target:     target,
		reserve:    reserve,
		maxElapsed: 30 * time.Second,
	}
}

// wait blocks until the policy admits the next attempt.
func (p *retryPolicy) wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// newBackOff returns the per-operation retry schedule. The initial interval
// is one reserve-capacity's worth of slots at the target rate, so a full
// reserve drains before the first retry lands.
func (p *retryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	initial := time.Duration(p.reserve) * time.Second / time.Duration(p.target)
	if initial < time.Millisecond {
		initial = time.Millisecond
	}
	if initial > time.Second {
		initial = time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = p.maxElapsed
	return backoff.WithContext(b, ctx)
}

package marketplace

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/sellerlab/sellerlab/internal/experiments"
)

// retryPolicy controls exponential backoff between transient marketplace
// failures. Attempts counts the first call, so Attempts=3 means at most two
// retries.
type retryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	Factor   float64
	Jitter   float64
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		Attempts: 3,
		Initial:  250 * time.Millisecond,
		Max:      5 * time.Second,
		Factor:   2,
		Jitter:   0.2,
	}
}

// delay returns the backoff before the given retry. Attempt numbers start at
// 1; random must be in [0, 1).
func (p retryPolicy) delay(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	base += base * p.Jitter * random
	return time.Duration(math.Min(float64(p.Max), base))
}

// withRetry runs fn, retrying transient failures under the policy. Rate
// limits and 5xx responses classify as experiments.ErrTransient and are worth
// a short wait; everything else (rejections, missing subjects, cancellation)
// ends the loop immediately.
func withRetry(ctx context.Context, p retryPolicy, fn func() error) error {
	if p.Attempts <= 0 {
		p = defaultRetryPolicy()
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, experiments.ErrTransient) {
			return err
		}
		if attempt >= p.Attempts {
			return err
		}

		timer := time.NewTimer(p.delay(attempt, rand.Float64()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

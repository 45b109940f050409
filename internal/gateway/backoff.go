package gateway

import (
	"context"
	"math/rand"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Backoff spaces out retries of exchange calls.
type Backoff struct {
	Min      time.Duration
	Max      time.Duration
	Factor   float64
	Jitter   float64
	Attempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Min:      250 * time.Millisecond,
		Max:      5 * time.Second,
		Factor:   2.0,
		Jitter:   0.2,
		Attempts: 5,
	}
}

// Next returns the wait before the given retry (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	wait := b.Min
	if wait <= 0 {
		wait = 100 * time.Millisecond
	}
	max := b.Max
	if max < wait {
		max = wait
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	for i := 1; i < attempt && wait < max; i++ {
		wait = time.Duration(float64(wait) * factor)
	}
	if wait > max {
		wait = max
	}

	jitter := b.Jitter
	if jitter <= 0 {
		return wait
	}
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// retry calls fn until it succeeds, ctx is done or the attempts run out.
func (b Backoff) retry(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= attempts {
			return errors.Wrapf(err, "%s failed after %d attempts", name, attempt)
		}

		wait := b.Next(attempt)
		logs.Warnf("%s failed, retry in %s, err: %+v", name, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), name)
		case <-timer.C:
		}
	}
}

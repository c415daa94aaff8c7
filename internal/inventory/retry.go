package inventory

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const (
	backoffBaseMs   = 5
	backoffMaxMs    = 80
	backoffJitterMs = 10
)

// backoffDelay: exponential with a cap plus a little jitter, so concurrent
// losers of a CAS race don't retry in lockstep.
func backoffDelay(attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 10 {
			attempt = 10
		}
		factor = 1 << attempt
	}
	ms := backoffBaseMs * factor
	if ms > backoffMaxMs {
		ms = backoffMaxMs
	}
	ms += rand.Int63n(backoffJitterMs)
	return time.Duration(ms) * time.Millisecond
}

// withRetry runs fn up to maxAttempts times, sleeping between attempts, as
// long as the failure is ErrConflict. Any other error stops immediately.
func withRetry(ctx context.Context, maxAttempts int, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDelay(attempt)):
		}
	}
	return err
}

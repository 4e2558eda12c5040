package recorder

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffPolicy is an exponential backoff doubling from Initial up to Max.
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

var (
	DefaultCameraBackoff  = BackoffPolicy{Initial: time.Second, Max: 5 * time.Minute}
	DefaultStorageBackoff = BackoffPolicy{Initial: 5 * time.Second, Max: time.Minute}
)

// newBackoff returns a deterministic doubling backoff capped at p.Max.
func newBackoff(p BackoffPolicy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

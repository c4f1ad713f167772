// Package retry re-runs store operations that failed transiently.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/boat-dispatch/internal/apperr"
)

type Policy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

var Default = Policy{Attempts: 3, Delay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}

// backOff doubles Delay up to MaxDelay without jitter and allows
// Attempts-1 retries after the first call.
func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Delay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	if p.MaxDelay > 0 {
		eb.MaxInterval = p.MaxDelay
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Do runs op until it succeeds, fails with a non-transient error, or the
// attempts are used up. Before retrying a write whose outcome is unknown,
// verify is asked whether it already landed; a nil verify means op is
// idempotent and may simply be run again.
func Do(ctx context.Context, p Policy, op func(context.Context) error, verify func(context.Context) (bool, error)) error {
	err := backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !apperr.IsKind(err, apperr.KindTransient) {
			return backoff.Permanent(err)
		}
		if apperr.IsUnknownOutcome(err) && verify != nil {
			if done, verr := verify(ctx); verr == nil && done {
				return nil
			}
		}
		return err
	}, p.backOff(ctx))
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return apperr.Transient("retry", err)
	}
	return err
}

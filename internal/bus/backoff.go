package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Backoff is a fixed-delay retry policy.
type Backoff struct {
	Attempts int
	Delay    time.Duration
}

func (b Backoff) policy(ctx context.Context) backoff.BackOff {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	return backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(b.Delay), uint64(attempts-1)),
		ctx,
	)
}

// Retry runs op until it succeeds, the attempts are used up or ctx ends.
// Exhaustion is reported as ErrBrokerUnavailable wrapping the last error.
func (b Backoff) Retry(ctx context.Context, log zerolog.Logger, what string, op func(ctx context.Context) error) error {
	attempt := 0
	err := backoff.RetryNotify(
		func() error {
			attempt++
			return op(ctx)
		},
		b.policy(ctx),
		func(err error, next time.Duration) {
			log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msgf("%s failed", what)
		},
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	log.Error().Err(err).Int("attempts", attempt).Msgf("%s gave up", what)
	return fmt.Errorf("%w: %s: %v", ErrBrokerUnavailable, what, err)
}

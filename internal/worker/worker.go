package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	minRestartDelay = time.Second
	maxRestartDelay = time.Minute
)

var errPanic = errors.New("worker panicked")

// Supervise runs fn until ctx is cancelled, restarting it with exponential
// delay whenever it returns early. A panic counts as a failure.
func Supervise(ctx context.Context, log zerolog.Logger, name string, fn func(context.Context) error) error {
	return supervise(ctx, log, name, fn, minRestartDelay, maxRestartDelay)
}

func supervise(ctx context.Context, log zerolog.Logger, name string, fn func(context.Context) error, minDelay, maxDelay time.Duration) error {
	log = log.With().Str("worker", name).Logger()

	delays := backoff.NewExponentialBackOff()
	delays.InitialInterval = minDelay
	delays.MaxInterval = maxDelay
	delays.Multiplier = 2
	delays.RandomizationFactor = 0
	delays.MaxElapsedTime = 0
	delays.Reset()

	for {
		started := time.Now()
		err := runGuarded(ctx, log, fn)
		if ctx.Err() != nil {
			log.Info().Msg("worker stopped")
			return nil
		}

		// A worker that ran for a while earns a fresh backoff.
		if time.Since(started) > maxDelay {
			delays.Reset()
		}
		delay := delays.NextBackOff()
		log.Error().Err(err).Dur("restart_in", delay).Msg("worker exited, restarting")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func runGuarded(ctx context.Context, log zerolog.Logger, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("worker panicked")
			err = errPanic
		}
	}()
	return fn(ctx)
}

// Periodic runs fn immediately and then every interval until ctx is done.
// Errors are logged and do not stop the schedule.
func Periodic(ctx context.Context, log zerolog.Logger, name string, interval time.Duration, fn func(context.Context) error) error {
	log = log.With().Str("job", name).Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("periodic job failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

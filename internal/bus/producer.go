package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Producer appends encoded messages to Redis streams. It is safe for
// concurrent use.
type Producer struct {
	factory Factory
	opts    Options
	log     zerolog.Logger

	mu     sync.RWMutex
	client redis.UniversalClient
}

// NewProducer connects using the connect backoff policy and fails with
// ErrBrokerUnavailable once it is exhausted.
func NewProducer(ctx context.Context, factory Factory, opts Options, log zerolog.Logger) (*Producer, error) {
	p := &Producer{
		factory: factory,
		opts:    opts,
		log:     log.With().Str("component", "bus_producer").Logger(),
	}

	err := opts.Connect.Retry(ctx, p.log, "producer connect", func(ctx context.Context) error {
		client := factory()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return err
		}
		p.client = client
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Send encodes v and appends it to topic. Transport errors are retried
// SendRetries times; a dead connection is replaced once per call.
func (p *Producer) Send(ctx context.Context, topic string, v interface{}) error {
	payload, err := Encode(v, p.opts.MaxMessageBytes)
	if err != nil {
		return err
	}

	retries := p.opts.SendRetries
	if retries <= 0 {
		retries = 1
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()

	reinitialized := false
	attempt := 0
	err = backoff.RetryNotify(
		func() error {
			attempt++
			err := p.xadd(ctx, topic, payload)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if isDeadConnection(err) && !reinitialized {
				reinitialized = true
				p.log.Warn().Err(err).Str("topic", topic).Msg("broker connection lost, reconnecting")
				p.reinit()
				err = p.xadd(ctx, topic, payload)
			}
			return err
		},
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries-1)), ctx),
		func(err error, next time.Duration) {
			p.log.Warn().Err(err).Str("topic", topic).Int("attempt", attempt).Dur("retry_in", next).Msg("send failed")
		},
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: send to %s: %v", ErrBrokerUnavailable, topic, err)
}

func (p *Producer) xadd(ctx context.Context, topic string, payload []byte) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{dataField: payload},
	}
	if p.opts.StreamMaxLen > 0 {
		args.MaxLen = p.opts.StreamMaxLen
		args.Approx = true
	}
	return client.XAdd(ctx, args).Err()
}

func (p *Producer) reinit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		if err := p.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			p.log.Debug().Err(err).Msg("closing dead client")
		}
	}
	p.client = p.factory()
}

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

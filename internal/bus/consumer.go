package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const readBatch = 10

// Message is one decompressed bus message.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}

// Decode unmarshals the JSON body. Failures are reported as ErrMalformed.
func (m Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return Malformed(err)
	}
	return nil
}

type Handler func(ctx context.Context, msg Message) error

// Consumer reads one topic as a member of a consumer group. Delivery is
// at-least-once: a message is acknowledged only after its handler succeeded
// or rejected it as malformed.
type Consumer struct {
	factory  Factory
	opts     Options
	topic    string
	group    string
	name     string
	log      zerolog.Logger
	client   redis.UniversalClient
	retryPEL bool
}

func NewConsumer(ctx context.Context, factory Factory, opts Options, topic, group, name string, log zerolog.Logger) (*Consumer, error) {
	c := &Consumer{
		factory: factory,
		opts:    opts,
		topic:   topic,
		group:   group,
		name:    name,
		log: log.With().
			Str("component", "bus_consumer").
			Str("topic", topic).
			Str("group", group).
			Logger(),
	}
	if c.opts.BlockTimeout <= 0 {
		c.opts.BlockTimeout = 5 * time.Second
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Consumer) connect(ctx context.Context) error {
	return c.opts.Connect.Retry(ctx, c.log, "consumer connect", func(ctx context.Context) error {
		client := c.factory()
		err := client.XGroupCreateMkStream(ctx, c.topic, c.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			_ = client.Close()
			return err
		}
		if c.client != nil {
			_ = c.client.Close()
		}
		c.client = client
		return nil
	})
}

// Consume delivers messages to handler until ctx ends or the broker stays
// unreachable past the connect policy. Entries left pending by an earlier
// run of this consumer are handled first.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	c.retryPEL = true
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if c.retryPEL {
			c.retryPEL = false
			if err := c.drainPending(ctx, handler); err != nil {
				if err := c.recover(ctx, err); err != nil {
					return err
				}
				c.retryPEL = true
				continue
			}
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.topic, ">"},
			Count:    readBatch,
			Block:    c.opts.BlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if err := c.recover(ctx, err); err != nil {
				return err
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.dispatch(ctx, handler, msg)
			}
		}
	}
}

func (c *Consumer) drainPending(ctx context.Context, handler Handler) error {
	lastID := "0"
	for {
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.topic, lastID},
			Count:    readBatch,
			Block:    -1,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		handled := 0
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.dispatch(ctx, handler, msg)
				lastID = msg.ID
				handled++
			}
		}
		if handled == 0 {
			return nil
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, handler Handler, msg redis.XMessage) {
	log := c.log.With().Str("message_id", msg.ID).Logger()

	data, err := payloadOf(msg)
	if err != nil {
		log.Warn().Err(err).Msg("skipping undecodable message")
		c.ack(ctx, msg.ID)
		return
	}

	err = handler(ctx, Message{ID: msg.ID, Topic: c.topic, Data: data})
	switch {
	case err == nil:
		c.ack(ctx, msg.ID)
	case errors.Is(err, ErrMalformed):
		log.Warn().Err(err).Msg("skipping malformed message")
		c.ack(ctx, msg.ID)
	default:
		// Left pending; picked up again on the next pending pass.
		log.Error().Err(err).Msg("handler failed")
		c.retryPEL = true
	}
}

func payloadOf(msg redis.XMessage) ([]byte, error) {
	raw, ok := msg.Values[dataField]
	if !ok {
		return nil, fmt.Errorf("missing %q field", dataField)
	}
	var compressed []byte
	switch v := raw.(type) {
	case string:
		compressed = []byte(v)
	case []byte:
		compressed = v
	default:
		return nil, fmt.Errorf("unexpected %q field type %T", dataField, raw)
	}
	return Decompress(compressed)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.topic, c.group, id).Err(); err != nil {
		c.log.Warn().Err(err).Str("message_id", id).Msg("ack failed")
	}
}

// recover reconnects after a read error. The returned error is fatal for
// the consumer and is expected to restart it.
func (c *Consumer) recover(ctx context.Context, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.log.Warn().Err(cause).Msg("read failed, reconnecting")
	if !isDeadConnection(cause) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.Connect.Delay):
		}
	}
	return c.connect(ctx)
}

func (c *Consumer) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

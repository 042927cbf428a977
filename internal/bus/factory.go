package bus

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"traffic-enforcement/internal/config"
)

const dataField = "data"

// Factory builds a fresh broker connection. Producers and consumers call it
// again when their current connection has died.
type Factory func() redis.UniversalClient

func NewFactory(cfg config.RedisConfig) Factory {
	return func() redis.UniversalClient {
		return redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,

			ContextTimeoutEnabled: true,
		})
	}
}

// Options are the adapter knobs shared by producers and consumers.
type Options struct {
	Connect         Backoff
	SendRetries     int
	MaxMessageBytes int
	StreamMaxLen    int64
	BlockTimeout    time.Duration
}

func OptionsFromConfig(cfg config.BusConfig) Options {
	return Options{
		Connect:         Backoff{Attempts: cfg.ConnectAttempts, Delay: cfg.ConnectBackoff},
		SendRetries:     cfg.SendRetries,
		MaxMessageBytes: cfg.MaxMessageBytes,
		StreamMaxLen:    cfg.StreamMaxLen,
		BlockTimeout:    cfg.BlockTimeout,
	}
}

func isDeadConnection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

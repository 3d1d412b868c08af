// Package bus carries broadcast messages over redis pub/sub.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haukened/rr-intel/internal/intel/common/log"
	"github.com/haukened/rr-intel/internal/intel/repos/cloudcache"
)

// DefaultRetryDelay is the pause after a receive error before trying again.
const DefaultRetryDelay = time.Second

// Handler receives one message payload.
type Handler func(ctx context.Context, payload string)

// Bus publishes and subscribes on redis channels.
type Bus struct {
	rdb        redis.UniversalClient
	logger     log.Logger
	retryDelay time.Duration
}

// Options configures a Bus.
type Options struct {
	Client     redis.UniversalClient
	Logger     log.Logger
	RetryDelay time.Duration
}

// New returns a Bus. Client must be non-nil.
func New(opts Options) (*Bus, error) {
	if opts.Client == nil {
		return nil, errors.New("bus: nil redis client")
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Bus{rdb: opts.Client, logger: log.Component(opts.Logger, "bus"), retryDelay: opts.RetryDelay}, nil
}

// Publish sends payload on channel.
func (b *Bus) Publish(ctx context.Context, channel, payload string) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe calls handler for every message on channel until ctx is done.
// Handlers run sequentially in the receive loop. Receive errors are logged and
// retried; the returned error is ctx.Err().
func (b *Bus) Subscribe(ctx context.Context, channel string, handler func(ctx context.Context, payload string)) error {
	pubsub := b.rdb.Subscribe(ctx, channel)
	defer pubsub.Close()

	b.logger.Info(map[string]any{"channel": channel}, "subscribed")
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return ctx.Err()
			}
			b.logger.Warn(map[string]any{"channel": channel, "error": err}, "subscription receive failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.retryDelay):
			}
			continue
		}
		handler(ctx, msg.Payload)
	}
}

var _ cloudcache.Subscriber = (*Bus)(nil)

package stream

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/parley/pkg/forum"
)

// DefaultRedisPrefix namespaces relay channels.
const DefaultRedisPrefix = "parley"

// RedisChannel returns the pub/sub channel that relays events of one forum channel:
// {prefix}:topic:{id}:events
func RedisChannel(prefix string, channelID int64) string {
	return fmt.Sprintf("%s:topic:%d:events", prefix, channelID)
}

// RedisRelay publishes and subscribes to forum events over Redis Pub/Sub.
// One process holds the upstream WebSocket and publishes; any number of local
// consumers subscribe here instead of opening their own connection.
// Delivery is at-most-once, like the upstream push channel.
type RedisRelay struct {
	rdb    *redis.Client
	prefix string
	log    *zap.Logger

	// OnPublish, if set, is called after each event Forward publishes.
	OnPublish func(channelID int64)
}

// NewRedisRelay connects a relay to Redis. prefix defaults to DefaultRedisPrefix.
func NewRedisRelay(opts *redis.Options, prefix string, logger *zap.Logger) (*RedisRelay, error) {
	if opts == nil {
		return nil, fmt.Errorf("redis options cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{rdb: redis.NewClient(opts), prefix: prefix, log: logger}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}

// Ping verifies Redis connectivity.
func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Publish sends one event to the relay channel. Returns the number of local
// subscribers that received it.
func (r *RedisRelay) Publish(ctx context.Context, channelID int64, ev forum.Event) (int64, error) {
	payload, err := forum.EncodeEvent(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event: %w", err)
	}
	n, err := r.rdb.Publish(ctx, RedisChannel(r.prefix, channelID), payload).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}
	return n, nil
}

// Subscribe listens on the relay channel. The subscription is confirmed with
// Redis before this returns, so events published afterwards are not missed.
func (r *RedisRelay) Subscribe(ctx context.Context, channelID int64) (*Subscription, error) {
	channel := RedisChannel(r.prefix, channelID)
	pubsub := r.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	return start(ctx, func(ctx context.Context, out sink) error {
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-ch:
				if !ok {
					return fmt.Errorf("relay channel %s closed", channel)
				}

				ev, err := forum.DecodeEvent([]byte(msg.Payload), channelID)
				if err != nil {
					r.log.Warn("dropping malformed relay payload", zap.String("channel", channel), zap.Error(err))
					out.fail(err)
					continue
				}
				if !out.emit(ev) {
					return nil
				}
			}
		}
	}), nil
}

// Forward copies every event of sub to the relay until sub ends or ctx is done.
// Malformed frames were already filtered by sub; publish failures are logged and skipped.
func (r *RedisRelay) Forward(ctx context.Context, channelID int64, sub *Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return sub.Err()
			}
			n, err := r.Publish(ctx, channelID, ev)
			if err != nil {
				r.log.Warn("relay publish failed", zap.Int64("channel", channelID), zap.Stringer("event", ev), zap.Error(err))
				continue
			}
			r.log.Debug("relayed event", zap.Int64("channel", channelID), zap.Stringer("event", ev), zap.Int64("receivers", n))
			if r.OnPublish != nil {
				r.OnPublish(channelID)
			}
		}
	}
}

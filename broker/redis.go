package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/mbocsi/relaychat/apperr"
	"github.com/mbocsi/relaychat/proto"
	"github.com/redis/go-redis/v9"
)

const defaultHealthInterval = 30 * time.Second

// RedisBroker uses Redis pub/sub with one subscription per connection.
type RedisBroker struct {
	core

	client *redis.Client
	pubsub *redis.PubSub
	stop   context.CancelFunc

	// healthInterval is how long the receive loop waits before pinging the server.
	healthInterval time.Duration
}

func NewRedisBroker() *RedisBroker {
	b := &RedisBroker{healthInterval: defaultHealthInterval}
	b.init("redis")
	return b
}

func (b *RedisBroker) Connect(ctx context.Context, cfg Config) error {
	if cfg.Redis.Addr == "" {
		return apperr.Configuration("redis address is required")
	}
	if cfg.Channel == "" {
		return apperr.Configuration("channel name is required")
	}

	b.connectMu.Lock()
	defer b.connectMu.Unlock()

	b.teardown()
	epoch := b.begin()

	timeout := cfg.timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr,
		Username:    cfg.Redis.Username,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: timeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return b.fail(epoch, err)
	}

	pubsub := client.Subscribe(ctx, cfg.Channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		client.Close()
		return b.fail(epoch, fmt.Errorf("failed to subscribe to %s: %w", cfg.Channel, err))
	}

	b.mu.Lock()
	if b.superseded(epoch, b.client != nil) {
		b.mu.Unlock()
		pubsub.Close()
		client.Close()
		return connectError(b.provider, errConnectAborted)
	}
	loopCtx, stop := context.WithCancel(context.Background())
	b.client = client
	b.pubsub = pubsub
	b.stop = stop
	b.channel = cfg.Channel
	b.mu.Unlock()

	go b.receiveLoop(loopCtx, pubsub)

	slog.Info("Connected to redis", "addr", cfg.Redis.Addr, "channel", cfg.Channel)
	b.connected(epoch)
	return nil
}

func (b *RedisBroker) receiveLoop(ctx context.Context, pubsub *redis.PubSub) {
	for {
		msg, err := pubsub.ReceiveTimeout(ctx, b.healthInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if err = pubsub.Ping(ctx); err == nil {
					continue
				}
			}
			b.dropped(pubsub, err)
			return
		}

		switch m := msg.(type) {
		case *redis.Message:
			b.deliver([]byte(m.Payload))
		case *redis.Subscription, *redis.Pong:
		default:
			slog.Debug("Ignoring redis pub/sub event", "type", fmt.Sprintf("%T", msg))
		}
	}
}

func (b *RedisBroker) dropped(pubsub *redis.PubSub, err error) {
	b.mu.Lock()
	if b.pubsub != pubsub {
		b.mu.Unlock()
		return
	}
	client, stop := b.client, b.stop
	b.client, b.pubsub, b.stop = nil, nil, nil
	b.mu.Unlock()

	stop()
	pubsub.Close()
	client.Close()
	slog.Warn("Redis connection lost", "error", err)
	b.status.set(proto.StatusDisconnected)
}

func (b *RedisBroker) Disconnect() {
	b.teardown()
	b.status.set(proto.StatusDisconnected)
}

func (b *RedisBroker) teardown() {
	b.mu.Lock()
	client, pubsub, stop := b.client, b.pubsub, b.stop
	b.client, b.pubsub, b.stop = nil, nil, nil
	b.epoch++
	b.mu.Unlock()

	if stop != nil {
		stop()
	}
	if pubsub != nil {
		if err := pubsub.Close(); err != nil {
			slog.Debug("Failed to close redis subscription", "error", err)
		}
	}
	if client != nil {
		client.Close()
	}
}

func (b *RedisBroker) Subscribe(channel string, fn func(proto.Envelope)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bind(b.client != nil, channel, fn)
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, env proto.Envelope) error {
	payload, err := b.stamp(env)
	if err != nil {
		return publishError(b.provider, err)
	}

	b.mu.Lock()
	client := b.client
	if client == nil {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", b.provider, ErrNotConnected)
	}
	ch, err := b.resolveChannel(channel)
	b.mu.Unlock()
	if err != nil {
		return err
	}

	if err := client.Publish(ctx, ch, payload).Err(); err != nil {
		return publishError(b.provider, err)
	}
	return nil
}

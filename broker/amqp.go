package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mbocsi/relaychat/apperr"
	"github.com/mbocsi/relaychat/proto"
	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultExchange = "relaychat"

// AMQPBroker publishes to a direct exchange keyed by channel name. Every instance
// consumes from its own exclusive queue bound to that key.
type AMQPBroker struct {
	core

	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string

	channelMutex sync.Mutex
}

func NewAMQPBroker() *AMQPBroker {
	b := &AMQPBroker{}
	b.init("amqp")
	return b
}

func (b *AMQPBroker) Connect(ctx context.Context, cfg Config) error {
	if cfg.AMQP.URL == "" {
		return apperr.Configuration("amqp url is required")
	}
	if cfg.Channel == "" {
		return apperr.Configuration("channel name is required")
	}
	exchange := cfg.AMQP.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}

	b.connectMu.Lock()
	defer b.connectMu.Unlock()

	b.teardown()
	epoch := b.begin()

	ctx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()

	conn, err := amqp.DialConfig(cfg.AMQP.URL, amqp.Config{
		Dial:      dialContext(ctx),
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return b.fail(epoch, err)
	}

	setup := make(chan consumerSetup, 1)
	go func() {
		ch, deliveries, err := setupConsumer(conn, exchange, cfg.Channel)
		setup <- consumerSetup{ch: ch, deliveries: deliveries, err: err}
	}()

	var res consumerSetup
	select {
	case res = <-setup:
	case <-ctx.Done():
		// Closing the connection unblocks the pending setup call.
		conn.Close()
		return b.fail(epoch, fmt.Errorf("amqp setup: %w", ctx.Err()))
	}
	if res.err != nil {
		conn.Close()
		return b.fail(epoch, res.err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	b.mu.Lock()
	if b.superseded(epoch, b.conn != nil) {
		b.mu.Unlock()
		conn.Close()
		return connectError(b.provider, errConnectAborted)
	}
	b.conn = conn
	b.ch = res.ch
	b.exchange = exchange
	b.channel = cfg.Channel
	b.mu.Unlock()

	go b.consume(conn, res.deliveries, closed)

	slog.Info("Connected to amqp broker", "exchange", exchange, "channel", cfg.Channel)
	b.connected(epoch)
	return nil
}

type consumerSetup struct {
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	err        error
}

// dialContext dials with ctx and bounds the AMQP handshake by its deadline.
func dialContext(ctx context.Context) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			if err := conn.SetDeadline(deadline); err != nil {
				conn.Close()
				return nil, err
			}
		}
		return conn, nil
	}
}

func setupConsumer(conn *amqp.Connection, exchange, routingKey string) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return nil, nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	q, err := ch.QueueDeclare(
		"",
		false,
		true,
		true,
		false,
		nil,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to declare a queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
		return nil, nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	deliveries, err := ch.Consume(
		q.Name,
		"",
		true,
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register a consumer: %w", err)
	}
	return ch, deliveries, nil
}

func (b *AMQPBroker) consume(conn *amqp.Connection, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) {
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				b.dropped(conn, errors.New("delivery channel closed"))
				return
			}
			b.deliver(d.Body)
		case amqpErr, ok := <-closed:
			err := errors.New("connection closed")
			if ok && amqpErr != nil {
				err = amqpErr
			}
			b.dropped(conn, err)
			return
		}
	}
}

func (b *AMQPBroker) dropped(conn *amqp.Connection, err error) {
	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.conn, b.ch = nil, nil
	b.mu.Unlock()

	if !conn.IsClosed() {
		conn.Close()
	}
	slog.Warn("AMQP connection lost", "error", err)
	b.status.set(proto.StatusDisconnected)
}

func (b *AMQPBroker) Disconnect() {
	b.teardown()
	b.status.set(proto.StatusDisconnected)
}

func (b *AMQPBroker) teardown() {
	b.mu.Lock()
	conn := b.conn
	b.conn, b.ch = nil, nil
	b.epoch++
	b.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			slog.Debug("Failed to close amqp connection", "error", err)
		}
	}
}

func (b *AMQPBroker) Subscribe(channel string, fn func(proto.Envelope)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bind(b.conn != nil, channel, fn)
}

func (b *AMQPBroker) Publish(ctx context.Context, channel string, env proto.Envelope) error {
	payload, err := b.stamp(env)
	if err != nil {
		return publishError(b.provider, err)
	}

	b.mu.Lock()
	ch, exchange := b.ch, b.exchange
	if ch == nil {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", b.provider, ErrNotConnected)
	}
	routingKey, err := b.resolveChannel(channel)
	b.mu.Unlock()
	if err != nil {
		return err
	}

	b.channelMutex.Lock()
	defer b.channelMutex.Unlock()

	err = ch.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   env.ID,
			Timestamp:   time.UnixMilli(env.Timestamp),
			Body:        payload,
		},
	)
	if err != nil {
		return publishError(b.provider, err)
	}
	return nil
}

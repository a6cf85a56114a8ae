package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mbocsi/relaychat/apperr"
	"github.com/mbocsi/relaychat/proto"
)

const writeWait = 10 * time.Second

var errConnectionClosed = errors.New("connection closed")

// WebSocketBroker talks to a relay over a single WebSocket connection.
type WebSocketBroker struct {
	core

	dialer  *websocket.Dialer
	conn    *websocket.Conn
	pending map[string]chan proto.Frame

	writeMu sync.Mutex
}

func NewWebSocketBroker() *WebSocketBroker {
	b := &WebSocketBroker{dialer: &websocket.Dialer{}}
	b.init("websocket")
	return b
}

func (b *WebSocketBroker) Connect(ctx context.Context, cfg Config) error {
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

	addr := cfg.WebSocket.URL
	if addr == "" {
		relay, err := DiscoverRelay(timeout)
		if err != nil {
			return b.fail(epoch, err)
		}
		addr = relay.URL()
	}

	u, err := relayURL(addr)
	if err != nil {
		return b.fail(epoch, err)
	}

	dialer := *b.dialer
	dialer.HandshakeTimeout = timeout
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return b.fail(epoch, fmt.Errorf("failed to dial relay: %w", err))
	}

	if err := b.handshake(ctx, conn, cfg.Channel); err != nil {
		conn.Close()
		return b.fail(epoch, err)
	}

	b.mu.Lock()
	if b.superseded(epoch, b.conn != nil) {
		b.mu.Unlock()
		conn.Close()
		return connectError(b.provider, errConnectAborted)
	}
	b.conn = conn
	b.channel = cfg.Channel
	b.pending = make(map[string]chan proto.Frame)
	b.mu.Unlock()

	go b.readLoop(conn)

	slog.Info("Connected to relay", "url", u, "channel", cfg.Channel)
	b.connected(epoch)
	return nil
}

// handshake subscribes to the channel and waits for the relay to confirm it.
func (b *WebSocketBroker) handshake(ctx context.Context, conn *websocket.Conn, channel string) error {
	if err := b.write(conn, proto.Frame{Type: proto.FrameSubscribe, Channel: channel, Timestamp: time.Now().Unix()}); err != nil {
		return fmt.Errorf("failed to send subscribe frame: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		var frame proto.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("waiting for subscription: %w", err)
		}
		switch frame.Type {
		case proto.FrameSubscribed:
			if frame.Channel == channel {
				return nil
			}
		case proto.FrameError:
			return fmt.Errorf("relay rejected subscription: %s", frame.Error)
		default:
			slog.Debug("Ignoring frame before subscription", "type", frame.Type)
		}
	}
}

func (b *WebSocketBroker) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			b.dropped(conn, err)
			return
		}

		var frame proto.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Invalid JSON frame from relay", "error", err, "size", len(data))
			continue
		}

		switch frame.Type {
		case proto.FrameMessage:
			b.deliver(frame.Payload)
		case proto.FrameAck, proto.FrameError:
			b.resolve(frame)
		default:
			slog.Debug("Ignoring frame from relay", "type", frame.Type)
		}
	}
}

func (b *WebSocketBroker) resolve(frame proto.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.pending[frame.ID]
	if !ok {
		if frame.Type == proto.FrameError {
			slog.Warn("Relay reported error", "error", frame.Error, "id", frame.ID)
		}
		return
	}
	delete(b.pending, frame.ID)
	ch <- frame
}

// dropped handles an unexpected end of conn. A conn that was already replaced or closed
// by Disconnect is ignored.
func (b *WebSocketBroker) dropped(conn *websocket.Conn, err error) {
	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	b.failPending()
	b.mu.Unlock()

	conn.Close()
	slog.Warn("Relay connection lost", "error", err)
	b.status.set(proto.StatusDisconnected)
}

// failPending wakes every publisher still waiting for an ack. Callers hold b.mu.
func (b *WebSocketBroker) failPending() {
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
}

func (b *WebSocketBroker) Disconnect() {
	b.teardown()
	b.status.set(proto.StatusDisconnected)
}

// teardown closes the current connection, if any, without reporting a status change.
func (b *WebSocketBroker) teardown() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.epoch++
	b.failPending()
	b.mu.Unlock()

	if conn != nil {
		b.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		b.writeMu.Unlock()
		if err != nil {
			slog.Warn("Failed to send close message", "error", err)
		}
		conn.Close()
	}
}

func (b *WebSocketBroker) Subscribe(channel string, fn func(proto.Envelope)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bind(b.conn != nil, channel, fn)
}

// Publish sends env and waits for the relay to acknowledge it.
func (b *WebSocketBroker) Publish(ctx context.Context, channel string, env proto.Envelope) error {
	payload, err := b.stamp(env)
	if err != nil {
		return publishError(b.provider, err)
	}

	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", b.provider, ErrNotConnected)
	}
	ch, err := b.resolveChannel(channel)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	id := uuid.NewString()
	ack := make(chan proto.Frame, 1)
	b.pending[id] = ack
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	frame := proto.Frame{Type: proto.FramePublish, Channel: ch, ID: id, Payload: payload, Timestamp: time.Now().Unix()}
	if err := b.write(conn, frame); err != nil {
		return publishError(b.provider, err)
	}

	select {
	case reply, ok := <-ack:
		if !ok {
			return publishError(b.provider, errConnectionClosed)
		}
		if reply.Type == proto.FrameError {
			return publishError(b.provider, errors.New(reply.Error))
		}
		return nil
	case <-ctx.Done():
		return publishError(b.provider, ctx.Err())
	}
}

func (b *WebSocketBroker) write(conn *websocket.Conn, frame proto.Frame) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}

// relayURL normalizes a relay address into a ws:// or wss:// URL ending in /ws.
func relayURL(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay URL scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

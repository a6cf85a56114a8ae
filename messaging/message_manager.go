package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbocsi/relaychat/apperr"
	"github.com/mbocsi/relaychat/broker"
	"github.com/mbocsi/relaychat/proto"
)

// MessageStore is the persistence the message manager writes through.
type MessageStore interface {
	SaveMessage(msg proto.Message) error
	// GetMessages returns up to limit messages newest first; limit <= 0 means all.
	GetMessages(limit int) []proto.Message
	ClearMessages() error
}

type sendFailure struct {
	err     error
	content string
}

// MessageManager sends, receives and persists chat messages over one broker.
type MessageManager struct {
	broker broker.Broker
	store  MessageStore

	mu         sync.Mutex
	subscribed bool

	received observers[proto.Message]
	sent     observers[proto.Message]
	failed   observers[sendFailure]
}

func NewMessageManager(b broker.Broker, store MessageStore) *MessageManager {
	return &MessageManager{
		broker:   b,
		store:    store,
		received: observers[proto.Message]{name: "message_received"},
		sent:     observers[proto.Message]{name: "send_success"},
		failed:   observers[sendFailure]{name: "send_error"},
	}
}

func (mm *MessageManager) OnMessageReceived(fn func(proto.Message)) {
	mm.received.add(fn)
}

func (mm *MessageManager) OnSendSuccess(fn func(proto.Message)) {
	mm.sent.add(fn)
}

// OnSendError registers fn to run when a send fails. content is the text the user
// typed so it can be restored for another try.
func (mm *MessageManager) OnSendError(fn func(err error, content string)) {
	mm.failed.add(func(f sendFailure) { fn(f.err, f.content) })
}

// SendMessage publishes content on the configured channel. The message is stored only
// once the broker accepted it.
func (mm *MessageManager) SendMessage(ctx context.Context, content, deviceName string) (proto.Message, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return proto.Message{}, mm.reject(apperr.Validation("message content cannot be empty"), content)
	}
	if strings.TrimSpace(deviceName) == "" {
		return proto.Message{}, mm.reject(apperr.Validation("device name is not configured"), content)
	}

	msg := proto.Message{
		ID:         uuid.NewString(),
		Content:    trimmed,
		DeviceName: strings.TrimSpace(deviceName),
		Timestamp:  time.Now().UnixMilli(),
		Direction:  proto.DirectionSent,
	}

	if err := mm.broker.Publish(ctx, "", msg.Envelope()); err != nil {
		slog.Error("Failed to send message", "id", msg.ID, "error", err)
		return proto.Message{}, mm.reject(err, trimmed)
	}

	if err := mm.store.SaveMessage(msg); err != nil {
		slog.Warn("Failed to store sent message", "id", msg.ID, "error", err)
	}
	slog.Debug("Message sent", "id", msg.ID, "size", len(msg.Content))
	mm.sent.emit(msg)
	return msg, nil
}

func (mm *MessageManager) reject(err error, content string) error {
	mm.failed.emit(sendFailure{err: err, content: content})
	return err
}

// SetupMessageSubscription registers the inbound handler with the broker. Calling it
// again after a success is a no-op.
func (mm *MessageManager) SetupMessageSubscription() error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if mm.subscribed {
		return nil
	}
	if err := mm.broker.Subscribe("", mm.handleEnvelope); err != nil {
		return err
	}
	mm.subscribed = true
	slog.Debug("Message subscription established")
	return nil
}

func (mm *MessageManager) Subscribed() bool {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.subscribed
}

func (mm *MessageManager) handleEnvelope(env proto.Envelope) {
	if strings.TrimSpace(env.Content) == "" {
		slog.Warn("Dropping received message without content", "id", env.ID, "from", env.DeviceName)
		return
	}

	msg := env.Received()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	if err := mm.store.SaveMessage(msg); err != nil {
		slog.Warn("Failed to store received message", "id", msg.ID, "error", err)
	}
	slog.Debug("Message received", "id", msg.ID, "from", msg.DeviceName, "size", len(msg.Content))
	mm.received.emit(msg)
}

// GetMessageHistory returns up to limit stored messages, newest first. limit <= 0
// returns everything the store keeps.
func (mm *MessageManager) GetMessageHistory(limit int) []proto.Message {
	return mm.store.GetMessages(limit)
}

func (mm *MessageManager) ClearHistory() error {
	return mm.store.ClearMessages()
}

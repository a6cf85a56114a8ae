package proto

import (
	"encoding/json"
)

type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Message is a chat message as seen by this device. It is never mutated after creation.
type Message struct {
	ID         string    `json:"id"`         // UUID, also the storage dedup key and notification tag
	Content    string    `json:"content"`    // trimmed, non-empty
	DeviceName string    `json:"deviceName"` // label of the originating device
	Timestamp  int64     `json:"timestamp"`  // UNIX timestamp in milliseconds
	Direction  Direction `json:"direction"`
}

// Envelope is the payload carried over the broker.
type Envelope struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	DeviceName string `json:"deviceName"`
	Timestamp  int64  `json:"timestamp"`
	Origin     string `json:"origin,omitempty"` // broker instance that published it, used to drop echoes
}

func (m Message) Envelope() Envelope {
	return Envelope{
		ID:         m.ID,
		Content:    m.Content,
		DeviceName: m.DeviceName,
		Timestamp:  m.Timestamp,
	}
}

// Received wraps an inbound envelope as a local message.
func (e Envelope) Received() Message {
	return Message{
		ID:         e.ID,
		Content:    e.Content,
		DeviceName: e.DeviceName,
		Timestamp:  e.Timestamp,
		Direction:  DirectionReceived,
	}
}

type FrameType string

const (
	// Client -> relay
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FramePublish     FrameType = "publish"

	// Relay -> client
	FrameSubscribed FrameType = "subscribed"
	FrameAck        FrameType = "ack"
	FrameMessage    FrameType = "message"
	FrameError      FrameType = "error"
)

// Frame is the unit exchanged with a relay over a WebSocket.
type Frame struct {
	Type      FrameType       `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	ID        string          `json:"id,omitempty"`      // correlates publish with ack/error
	Payload   json.RawMessage `json:"payload,omitempty"` // an Envelope for publish/message
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"` // UNIX timestamp in seconds
}

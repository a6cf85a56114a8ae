package relay

import (
	"log/slog"
	"sync"

	"github.com/mbocsi/relaychat/proto"
)

// Peer is one connected device as seen by the hub.
type Peer interface {
	ID() string
	Send(frame proto.Frame) error
}

// Hub fans frames out to the peers subscribed to a channel.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[Peer]struct{} // Map channel to hashset of peers
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[Peer]struct{}),
	}
}

func (h *Hub) Subscribe(channel string, peer Peer) {
	slog.Debug("Subscribing", "channel", channel, "peer", peer.ID())
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[channel] == nil {
		h.subs[channel] = make(map[Peer]struct{})
	}
	h.subs[channel][peer] = struct{}{}
}

// Publish sends frame to every subscriber of its channel except the sender and
// returns how many peers received it.
func (h *Hub) Publish(frame proto.Frame, sender Peer) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sentCount := 0
	for peer := range h.subs[frame.Channel] {
		if peer == sender {
			continue
		}
		if err := peer.Send(frame); err != nil {
			slog.Warn("There was an error publishing a message to a subscriber", "channel", frame.Channel, "peer", peer.ID(), "error", err.Error())
			continue
		}
		sentCount++
	}
	slog.Debug("Message published",
		"channel", frame.Channel,
		"sender", sender.ID(),
		"subscribers", sentCount,
		"size", len(frame.Payload),
	)
	return sentCount
}

func (h *Hub) Unsubscribe(channel string, peer Peer) {
	slog.Debug("Unsubscribing", "channel", channel, "peer", peer.ID())
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribe(channel, peer)
}

// UnsubscribeAll removes peer from every channel it joined.
func (h *Hub) UnsubscribeAll(peer Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channel := range h.subs {
		h.unsubscribe(channel, peer)
	}
}

func (h *Hub) unsubscribe(channel string, peer Peer) {
	subs, ok := h.subs[channel]
	if !ok {
		return
	}
	delete(subs, peer)
	if len(subs) == 0 {
		delete(h.subs, channel)
	}
}

// Subscribers returns the number of peers on a channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

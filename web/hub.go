package web

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mbocsi/relaychat/app"
	"github.com/mbocsi/relaychat/messaging"
	"github.com/mbocsi/relaychat/notify"
	"github.com/mbocsi/relaychat/proto"
)

// Event types pushed to the page.
const (
	EventStatus       = "status"
	EventMessage      = "message"
	EventSent         = "sent"
	EventSendError    = "send_error"
	EventNotice       = "notice"
	EventNotification = "notification"
)

type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type SendErrorData struct {
	Error   string `json:"error"`
	Content string `json:"content"`
}

type NoticeData struct {
	Kind  messaging.NoticeKind `json:"kind"`
	Error string               `json:"error,omitempty"`
}

var (
	_ app.Observer = (*Hub)(nil)
	_ notify.Sink  = (*Hub)(nil)
)

// Hub fans application events out to every open page.
type Hub struct {
	focus *notify.FocusTracker

	mu       sync.RWMutex
	sessions map[*session]struct{}
}

func NewHub(focus *notify.FocusTracker) *Hub {
	if focus == nil {
		focus = notify.NewFocusTracker()
	}
	return &Hub{focus: focus, sessions: make(map[*session]struct{})}
}

func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = struct{}{}
	slog.Debug("UI session opened", "session", s.id)
}

func (h *Hub) unregister(s *session) {
	h.focus.Remove(s.id)

	h.mu.Lock()
	if _, ok := h.sessions[s]; ok {
		delete(h.sessions, s)
		close(s.send)
	}
	h.mu.Unlock()
	slog.Debug("UI session closed", "session", s.id)
}

// Broadcast queues ev on every session. A session whose queue is full misses the event.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to encode UI event", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		select {
		case s.send <- data:
		default:
			slog.Warn("UI session queue full, dropping event", "session", s.id, "type", ev.Type)
		}
	}
}

func (h *Hub) MessageReceived(m proto.Message) {
	h.Broadcast(Event{Type: EventMessage, Data: m})
}

func (h *Hub) SendSucceeded(m proto.Message) {
	h.Broadcast(Event{Type: EventSent, Data: m})
}

func (h *Hub) SendFailed(err error, content string) {
	h.Broadcast(Event{Type: EventSendError, Data: SendErrorData{Error: err.Error(), Content: content}})
}

func (h *Hub) StatusChanged(s proto.ConnectionStatus) {
	h.Broadcast(Event{Type: EventStatus, Data: map[string]proto.ConnectionStatus{"status": s}})
}

func (h *Hub) Notice(n messaging.Notice) {
	data := NoticeData{Kind: n.Kind}
	if n.Err != nil {
		data.Error = n.Err.Error()
	}
	h.Broadcast(Event{Type: EventNotice, Data: data})
}

// Notify implements notify.Sink by asking the pages to show a browser notification.
func (h *Hub) Notify(n notify.Notification) error {
	h.Broadcast(Event{Type: EventNotification, Data: n})
	return nil
}

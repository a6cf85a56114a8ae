package web

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendQueueSize  = 64
)

// clientEvent is what the page sends over its socket.
type clientEvent struct {
	Type    string `json:"type"`
	Focused bool   `json:"focused"`
}

// session is one open page.
type session struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func newSession(hub *Hub, conn *websocket.Conn) *session {
	return &session{
		id:   "ui-" + uuid.NewString()[:8],
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
	}
}

func (s *session) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("UI session read error", "session", s.id, "error", err)
			}
			return
		}

		var ev clientEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("Invalid UI event", "session", s.id, "error", err)
			continue
		}
		switch ev.Type {
		case "focus":
			s.hub.focus.SetFocus(s.id, ev.Focused)
		default:
			slog.Debug("Unhandled UI event", "session", s.id, "type", ev.Type)
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/relaychat/proto"
)

func startRelay(t *testing.T, s *Server) string {
	t.Helper()
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect to relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) proto.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame proto.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	return frame
}

func subscribe(t *testing.T, conn *websocket.Conn, channel string) {
	t.Helper()
	if err := conn.WriteJSON(proto.Frame{Type: proto.FrameSubscribe, Channel: channel}); err != nil {
		t.Fatalf("Failed to send subscribe: %v", err)
	}
	frame := readFrame(t, conn)
	if frame.Type != proto.FrameSubscribed || frame.Channel != channel {
		t.Fatalf("Expected subscribed frame for %s, got %+v", channel, frame)
	}
}

func TestServer_RelaysBetweenPeers(t *testing.T) {
	url := startRelay(t, NewServer("127.0.0.1:0"))
	sender := dial(t, url)
	receiver := dial(t, url)
	subscribe(t, sender, "channel-1")
	subscribe(t, receiver, "channel-1")

	payload, _ := json.Marshal(proto.Envelope{ID: "m1", Content: "hello", DeviceName: "laptop", Timestamp: 1700000000000})
	if err := sender.WriteJSON(proto.Frame{Type: proto.FramePublish, Channel: "channel-1", ID: "req-1", Payload: payload}); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	ack := readFrame(t, sender)
	if ack.Type != proto.FrameAck || ack.ID != "req-1" {
		t.Errorf("Expected ack for req-1, got %+v", ack)
	}

	msg := readFrame(t, receiver)
	if msg.Type != proto.FrameMessage {
		t.Fatalf("Expected message frame, got %s", msg.Type)
	}
	var env proto.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if env.Content != "hello" || env.DeviceName != "laptop" {
		t.Errorf("Unexpected envelope %+v", env)
	}
}

func TestServer_RejectsInvalidFrames(t *testing.T) {
	url := startRelay(t, NewServer("127.0.0.1:0"))
	conn := dial(t, url)

	conn.WriteJSON(proto.Frame{Type: proto.FrameSubscribe})
	if frame := readFrame(t, conn); frame.Type != proto.FrameError {
		t.Errorf("Expected error for subscribe without channel, got %s", frame.Type)
	}

	conn.WriteJSON(proto.Frame{Type: proto.FramePublish, Channel: "channel-1", ID: "req-2"})
	frame := readFrame(t, conn)
	if frame.Type != proto.FrameError || frame.ID != "req-2" {
		t.Errorf("Expected correlated error for empty publish, got %+v", frame)
	}

	conn.WriteJSON(proto.Frame{Type: "bogus", ID: "req-3"})
	if frame := readFrame(t, conn); frame.Type != proto.FrameError {
		t.Errorf("Expected error for unknown frame type, got %s", frame.Type)
	}

	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	if frame := readFrame(t, conn); frame.Type != proto.FrameError {
		t.Errorf("Expected error for invalid JSON, got %s", frame.Type)
	}
}

func TestServer_MaxPeers(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	s.SetMaxPeers(1)
	url := startRelay(t, s)

	first := dial(t, url)
	subscribe(t, first, "channel-1")

	second := dial(t, url)
	if frame := readFrame(t, second); frame.Type != proto.FrameError {
		t.Errorf("Expected error frame for rejected peer, got %s", frame.Type)
	}
}

func TestServer_PeerRemovedOnDisconnect(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	url := startRelay(t, s)
	conn := dial(t, url)
	subscribe(t, conn, "channel-1")

	if s.Peers() != 1 {
		t.Errorf("Expected 1 peer, got %d", s.Peers())
	}

	conn.Close()
	time.Sleep(100 * time.Millisecond)

	if s.Peers() != 0 {
		t.Errorf("Expected 0 peers after disconnect, got %d", s.Peers())
	}
	if s.Hub().Subscribers("channel-1") != 0 {
		t.Error("Expected subscriptions to be dropped after disconnect")
	}
}

func TestServer_Health(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
}

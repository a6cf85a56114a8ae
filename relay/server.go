package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/mbocsi/relaychat/proto"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Devices connect from any origin
	},
}

const DefaultMaxPeers = 64

// Server accepts device connections and relays published frames between peers that
// share a channel.
type Server struct {
	Addr string
	hub  *Hub

	pmu      sync.RWMutex // guards server and peers
	server   *http.Server
	closed   bool
	peers    map[string]*wsPeer
	maxPeers int
}

func NewServer(addr string) *Server {
	return &Server{
		Addr:     addr,
		hub:      NewHub(),
		peers:    make(map[string]*wsPeer),
		maxPeers: DefaultMaxPeers,
	}
}

func (s *Server) SetMaxPeers(n int) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	s.maxPeers = n
}

// Peers returns the number of connected devices.
func (s *Server) Peers() int {
	s.pmu.RLock()
	defer s.pmu.RUnlock()
	return len(s.peers)
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Routes returns the relay's HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", s.handleHealth)
	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Starting relay", "addr", s.Addr)

	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.pmu.Lock()
	if s.closed {
		s.pmu.Unlock()
		return nil
	}
	s.server = srv
	s.pmu.Unlock()

	err := srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown() error {
	slog.Info("Shutting down relay", "addr", s.Addr)
	s.pmu.Lock()
	srv := s.server
	s.closed = true
	s.pmu.Unlock()

	var err error
	if srv != nil {
		err = srv.Close()
	}
	s.DisconnectPeers()
	return err
}

// DisconnectPeers closes every device connection. Hijacked WebSocket connections are
// not closed by http.Server.Close.
func (s *Server) DisconnectPeers() {
	s.pmu.RLock()
	peers := make([]*wsPeer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.pmu.RUnlock()

	for _, p := range peers {
		p.conn.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"peers":  s.Peers(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}

	s.pmu.RLock()
	full := len(s.peers) >= s.maxPeers
	s.pmu.RUnlock()
	if full {
		slog.Warn("Max peers reached, rejecting connection", "remote_addr", r.RemoteAddr)
		conn.WriteJSON(proto.Frame{Type: proto.FrameError, Error: "relay is full", Timestamp: time.Now().Unix()})
		conn.Close()
		return
	}

	go s.handleConnection(conn, r.RemoteAddr)
}

func (s *Server) handleConnection(conn *websocket.Conn, remoteAddr string) {
	peer := newWSPeer(conn)
	slog.Info("Device connected", "addr", remoteAddr, "id", peer.id)

	s.pmu.Lock()
	s.peers[peer.id] = peer
	s.pmu.Unlock()

	defer func() {
		s.pmu.Lock()
		delete(s.peers, peer.id)
		s.pmu.Unlock()

		s.hub.UnsubscribeAll(peer)
		conn.Close()
		slog.Info("Device disconnected", "addr", remoteAddr, "id", peer.id)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("WebSocket connection error", "addr", remoteAddr, "error", err)
			}
			return
		}

		var frame proto.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Invalid JSON frame received", "error", err, "size", len(data))
			s.reply(peer, proto.Frame{Type: proto.FrameError, Error: "invalid frame"})
			continue
		}

		slog.Debug("Frame received", "type", frame.Type, "channel", frame.Channel, "sender", peer.id, "size", len(frame.Payload))
		s.handleFrame(peer, frame)
	}
}

func (s *Server) handleFrame(peer *wsPeer, frame proto.Frame) {
	switch frame.Type {
	case proto.FrameSubscribe:
		if frame.Channel == "" {
			s.reply(peer, proto.Frame{Type: proto.FrameError, ID: frame.ID, Error: "channel is required"})
			return
		}
		s.hub.Subscribe(frame.Channel, peer)
		s.reply(peer, proto.Frame{Type: proto.FrameSubscribed, Channel: frame.Channel, ID: frame.ID})

	case proto.FrameUnsubscribe:
		s.hub.Unsubscribe(frame.Channel, peer)

	case proto.FramePublish:
		if frame.Channel == "" || len(frame.Payload) == 0 {
			s.reply(peer, proto.Frame{Type: proto.FrameError, ID: frame.ID, Error: "channel and payload are required"})
			return
		}
		s.hub.Publish(proto.Frame{
			Type:      proto.FrameMessage,
			Channel:   frame.Channel,
			Payload:   frame.Payload,
			Timestamp: time.Now().Unix(),
		}, peer)
		s.reply(peer, proto.Frame{Type: proto.FrameAck, Channel: frame.Channel, ID: frame.ID})

	default:
		s.reply(peer, proto.Frame{Type: proto.FrameError, ID: frame.ID, Error: "unknown frame type " + string(frame.Type)})
	}
}

func (s *Server) reply(peer *wsPeer, frame proto.Frame) {
	frame.Timestamp = time.Now().Unix()
	if err := peer.Send(frame); err != nil {
		slog.Warn("Failed to reply to device", "peer", peer.id, "type", frame.Type, "error", err)
	}
}

package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mbocsi/relaychat/proto"
)

const writeWait = 10 * time.Second

// wsPeer is a device connected over WebSocket.
type wsPeer struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{id: "peer-" + uuid.NewString(), conn: conn}
}

func (p *wsPeer) ID() string {
	return p.id
}

func (p *wsPeer) Send(frame proto.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.conn.WriteJSON(frame); err != nil {
		return err
	}

	slog.Debug("Sent frame", "to", p.id, "type", frame.Type, "channel", frame.Channel, "size", len(frame.Payload))
	return nil
}

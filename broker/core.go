package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/mbocsi/relaychat/proto"
)

type statusObserver struct {
	id int
	fn func(proto.ConnectionStatus)
}

// statusHub holds the status of one broker and fans transitions out to observers.
type statusHub struct {
	provider string

	notifyMu sync.Mutex // held for a whole fan-out so observers see transitions in order
	mu       sync.Mutex
	status   proto.ConnectionStatus
	nextID   int
	obs      []statusObserver
}

func newStatusHub(provider string) *statusHub {
	return &statusHub{provider: provider, status: proto.StatusDisconnected}
}

func (h *statusHub) get() proto.ConnectionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *statusHub) add(fn func(proto.ConnectionStatus)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.obs = append(h.obs, statusObserver{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			// Waiting on notifyMu means no callback is running or will run once detach returns.
			h.notifyMu.Lock()
			defer h.notifyMu.Unlock()
			h.mu.Lock()
			defer h.mu.Unlock()
			h.obs = slices.DeleteFunc(h.obs, func(o statusObserver) bool { return o.id == id })
		})
	}
}

// set records a new status and notifies observers if it changed.
func (h *statusHub) set(status proto.ConnectionStatus) {
	h.setIf(status, nil)
}

// setIf is set guarded by cond, which is evaluated in order with every other transition.
func (h *statusHub) setIf(status proto.ConnectionStatus, cond func() bool) {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()
	if cond != nil && !cond() {
		return
	}

	h.mu.Lock()
	if h.status == status {
		h.mu.Unlock()
		return
	}
	h.status = status
	obs := slices.Clone(h.obs)
	h.mu.Unlock()

	slog.Debug("Broker status changed", "broker", h.provider, "status", status)
	for _, o := range obs {
		h.call(o.fn, status)
	}
}

func (h *statusHub) call(fn func(proto.ConnectionStatus), status proto.ConnectionStatus) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Connection change observer panicked", "broker", h.provider, "status", status, "panic", r)
		}
	}()
	fn(status)
}

var errConnectAborted = errors.New("connect aborted by disconnect")

// core is the state shared by every adapter: status, origin id, channel and handler.
// Adapters guard their own transport handles with mu as well.
type core struct {
	provider string
	origin   string
	status   *statusHub

	connectMu sync.Mutex // one Connect at a time

	mu      sync.Mutex
	channel string
	handler func(proto.Envelope)
	epoch   uint64 // bumped by every teardown
}

func (c *core) init(provider string) {
	c.provider = provider
	c.origin = uuid.NewString()
	c.status = newStatusHub(provider)
}

// begin marks the start of a connect attempt and returns the epoch it must still hold
// when it installs its connection.
func (c *core) begin() uint64 {
	c.status.set(proto.StatusConnecting)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// superseded reports whether a teardown ran since the attempt began or a connection is
// already installed. Callers hold c.mu.
func (c *core) superseded(epoch uint64, installed bool) bool {
	return installed || c.epoch != epoch
}

func (c *core) current(epoch uint64) func() bool {
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.epoch == epoch
	}
}

// connected reports a successful attempt unless Disconnect overtook it.
func (c *core) connected(epoch uint64) {
	c.status.setIf(proto.StatusConnected, c.current(epoch))
}

// fail reports a failed attempt. An attempt overtaken by Disconnect leaves the status alone.
func (c *core) fail(epoch uint64, err error) error {
	c.status.setIf(proto.StatusFailed, c.current(epoch))
	return connectError(c.provider, err)
}

func (c *core) Status() proto.ConnectionStatus {
	return c.status.get()
}

func (c *core) OnConnectionChange(fn func(proto.ConnectionStatus)) func() {
	return c.status.add(fn)
}

// bind registers the inbound handler. Callers hold c.mu.
func (c *core) bind(open bool, channel string, fn func(proto.Envelope)) error {
	if !open {
		return fmt.Errorf("%s: %w", c.provider, ErrNotConnected)
	}
	if _, err := c.resolveChannel(channel); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("%s: message handler must be provided", c.provider)
	}
	if c.handler != nil {
		return fmt.Errorf("%s: %w", c.provider, ErrAlreadySubscribed)
	}
	c.handler = fn
	return nil
}

// resolveChannel maps the requested channel onto the configured one. Callers hold c.mu.
func (c *core) resolveChannel(channel string) (string, error) {
	if channel == "" || channel == c.channel {
		return c.channel, nil
	}
	return "", fmt.Errorf("%s: channel %q: %w", c.provider, channel, ErrUnsupportedChannel)
}

// deliver decodes an inbound payload and hands it to the handler, dropping our own echoes.
func (c *core) deliver(data []byte) {
	var env proto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("Invalid JSON envelope received", "broker", c.provider, "error", err, "size", len(data))
		return
	}
	if env.Origin == c.origin {
		return
	}

	c.mu.Lock()
	fn := c.handler
	c.mu.Unlock()
	if fn == nil {
		slog.Debug("Dropping message, no handler registered", "broker", c.provider, "id", env.ID)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Message handler panicked", "broker", c.provider, "id", env.ID, "panic", r)
		}
	}()
	fn(env)
}

// stamp marks an outgoing envelope with this broker's origin and encodes it.
func (c *core) stamp(env proto.Envelope) ([]byte, error) {
	env.Origin = c.origin
	return json.Marshal(env)
}

package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbocsi/relaychat/apperr"
	"github.com/mbocsi/relaychat/broker"
	"github.com/mbocsi/relaychat/proto"
)

const DefaultRetryInterval = 5 * time.Second

// ConfigSource supplies the transport parameters for each connection attempt.
type ConfigSource interface {
	BrokerConfig() (broker.Config, error)
}

type State string

const (
	StateIdle                  State = "idle"
	StateConnecting            State = "connecting"
	StateConnected             State = "connected"
	StateDisconnectedAutoRetry State = "disconnected_auto_retry"
	StateDisconnectedManual    State = "disconnected_manual"
	StateFailedAutoRetry       State = "failed_auto_retry"
)

type NoticeKind string

const (
	NoticeConnectFailed NoticeKind = "connect_failed"
	NoticeReconnecting  NoticeKind = "reconnecting"
	NoticeRecovered     NoticeKind = "recovered"
)

// Notice is a user facing event about the connection lifecycle.
type Notice struct {
	Kind NoticeKind
	Err  error
}

// attemptCall is one broker connect shared by every caller that asks while it runs.
type attemptCall struct {
	broker broker.Broker
	done   chan struct{}
	err    error
}

// ConnectionManager owns the broker connection and retries it at a fixed interval
// until it succeeds or the user disconnects.
type ConnectionManager struct {
	cfg           ConfigSource
	retryInterval time.Duration

	ctx    context.Context // cancelled by Close, bounds background attempts
	cancel context.CancelFunc

	mu         sync.Mutex
	broker     broker.Broker
	detach     func()
	generation uint64
	state      State
	manual     bool
	foreground int           // Connect calls in flight
	retryStop  chan struct{} // non-nil while the retry loop runs
	inflight   *attemptCall  // broker connect currently running

	statusObs observers[proto.ConnectionStatus]
	noticeObs observers[Notice]
}

func NewConnectionManager(b broker.Broker, cfg ConfigSource) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	cm := &ConnectionManager{
		cfg:           cfg,
		retryInterval: DefaultRetryInterval,
		ctx:           ctx,
		cancel:        cancel,
		broker:        b,
		state:         StateIdle,
		statusObs:     observers[proto.ConnectionStatus]{name: "status"},
		noticeObs:     observers[Notice]{name: "notice"},
	}
	cm.detach = cm.attach(b, cm.generation)
	return cm
}

// SetRetryInterval changes the delay between reconnection attempts. It applies to the
// next retry cycle.
func (cm *ConnectionManager) SetRetryInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultRetryInterval
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.retryInterval = d
}

func (cm *ConnectionManager) OnStatusChange(fn func(proto.ConnectionStatus)) {
	cm.statusObs.add(fn)
}

func (cm *ConnectionManager) OnNotice(fn func(Notice)) {
	cm.noticeObs.add(fn)
}

func (cm *ConnectionManager) Broker() broker.Broker {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.broker
}

func (cm *ConnectionManager) State() State {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

func (cm *ConnectionManager) Status() proto.ConnectionStatus {
	return cm.Broker().Status()
}

func (cm *ConnectionManager) Retrying() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.retryStop != nil
}

// Connect runs one foreground connection attempt. A failure caused by the transport
// starts the retry loop; a configuration error does not.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	cm.manual = false
	b := cm.broker
	if cm.state == StateConnected && b.Status() == proto.StatusConnected {
		cm.mu.Unlock()
		return nil
	}
	cm.foreground++
	cm.mu.Unlock()

	err := cm.attempt(ctx, b)

	cm.mu.Lock()
	cm.foreground--
	if err == nil {
		cm.mu.Unlock()
		return nil
	}

	if apperr.Is(err, apperr.KindConfiguration) {
		if cm.broker == b && !cm.manual && b.Status() != proto.StatusConnected {
			cm.state = StateIdle
		}
		cm.mu.Unlock()
		slog.Warn("Cannot connect, configuration incomplete", "error", err)
		cm.noticeObs.emit(Notice{Kind: NoticeConnectFailed, Err: err})
		return err
	}

	started := false
	if cm.broker == b && !cm.manual {
		cm.state = StateFailedAutoRetry
		started = cm.startRetryLocked()
	}
	cm.mu.Unlock()

	slog.Error("Connection failed", "error", err)
	cm.noticeObs.emit(Notice{Kind: NoticeConnectFailed, Err: err})
	if started {
		cm.noticeObs.emit(Notice{Kind: NoticeReconnecting})
	}
	return err
}

// attempt connects b, or waits for the attempt already running on b. Foreground and
// retry attempts both go through here, so a broker never has two connects in flight.
func (cm *ConnectionManager) attempt(ctx context.Context, b broker.Broker) error {
	cm.mu.Lock()
	if call := cm.inflight; call != nil && call.broker == b {
		cm.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &attemptCall{broker: b, done: make(chan struct{})}
	cm.inflight = call
	cm.mu.Unlock()

	call.err = cm.connectBroker(ctx, b)

	cm.mu.Lock()
	if cm.inflight == call {
		cm.inflight = nil
	}
	cm.mu.Unlock()
	close(call.done)
	return call.err
}

func (cm *ConnectionManager) connectBroker(ctx context.Context, b broker.Broker) error {
	cfg, err := cm.cfg.BrokerConfig()
	if err != nil {
		return err
	}
	return b.Connect(ctx, cfg)
}

// Disconnect closes the connection on user request. No reconnection is attempted until
// the next Connect.
func (cm *ConnectionManager) Disconnect() {
	cm.mu.Lock()
	cm.manual = true
	cm.stopRetryLocked()
	cm.state = StateDisconnectedManual
	b := cm.broker
	cm.mu.Unlock()

	b.Disconnect()
}

// SwitchBroker replaces the broker and connects the new one. Status changes from the
// old broker are ignored from here on.
func (cm *ConnectionManager) SwitchBroker(ctx context.Context, b broker.Broker) error {
	cm.ReplaceBroker(b)
	return cm.Connect(ctx)
}

// ReplaceBroker disconnects the current broker and installs b without connecting it.
func (cm *ConnectionManager) ReplaceBroker(b broker.Broker) {
	cm.Disconnect()

	cm.mu.Lock()
	detach := cm.detach
	cm.detach = nil
	cm.mu.Unlock()
	if detach != nil {
		detach()
	}

	cm.mu.Lock()
	cm.broker = b
	cm.generation++
	cm.detach = cm.attach(b, cm.generation)
	cm.state = StateIdle
	cm.mu.Unlock()

	slog.Info("Switched broker", "broker", fmt.Sprintf("%T", b))
}

// Close stops retrying, disconnects and detaches from the broker.
func (cm *ConnectionManager) Close() {
	cm.mu.Lock()
	cm.manual = true
	cm.stopRetryLocked()
	detach := cm.detach
	cm.detach = nil
	b := cm.broker
	cm.mu.Unlock()

	cm.cancel()
	b.Disconnect()
	if detach != nil {
		detach()
	}
}

func (cm *ConnectionManager) attach(b broker.Broker, gen uint64) func() {
	return b.OnConnectionChange(func(s proto.ConnectionStatus) {
		cm.handleStatus(gen, s)
	})
}

func (cm *ConnectionManager) handleStatus(gen uint64, s proto.ConnectionStatus) {
	cm.mu.Lock()
	if gen != cm.generation {
		cm.mu.Unlock()
		return
	}

	var notice *Notice
	switch s {
	case proto.StatusConnected:
		cm.state = StateConnected
		if cm.stopRetryLocked() {
			notice = &Notice{Kind: NoticeRecovered}
		}
	case proto.StatusConnecting:
		if cm.retryStop == nil {
			cm.state = StateConnecting
		}
	case proto.StatusDisconnected, proto.StatusFailed:
		switch {
		case cm.manual:
			cm.state = StateDisconnectedManual
		case s == proto.StatusFailed:
			cm.state = StateFailedAutoRetry
		default:
			cm.state = StateDisconnectedAutoRetry
		}
		// A foreground Connect reports its own failure and starts the loop itself.
		if !cm.manual && cm.foreground == 0 && cm.startRetryLocked() {
			notice = &Notice{Kind: NoticeReconnecting}
		}
	}
	cm.mu.Unlock()

	cm.statusObs.emit(s)
	if notice != nil {
		cm.noticeObs.emit(*notice)
	}
}

// startRetryLocked starts the retry loop unless it is already running. Callers hold cm.mu.
func (cm *ConnectionManager) startRetryLocked() bool {
	if cm.retryStop != nil {
		return false
	}
	stop := make(chan struct{})
	cm.retryStop = stop
	slog.Info("Starting reconnection", "interval", cm.retryInterval)
	go cm.retryLoop(stop, cm.generation, cm.retryInterval)
	return true
}

// stopRetryLocked reports whether a loop was running. Callers hold cm.mu.
func (cm *ConnectionManager) stopRetryLocked() bool {
	if cm.retryStop == nil {
		return false
	}
	close(cm.retryStop)
	cm.retryStop = nil
	return true
}

func (cm *ConnectionManager) retryLoop(stop <-chan struct{}, gen uint64, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
		}

		// A tick may race with stop; stop wins.
		select {
		case <-stop:
			return
		default:
		}

		cm.mu.Lock()
		b := cm.broker
		current := gen == cm.generation
		cm.mu.Unlock()
		if !current {
			return
		}

		switch b.Status() {
		case proto.StatusConnected, proto.StatusConnecting:
			continue
		}

		slog.Debug("Attempting reconnection", "interval", interval)
		if err := cm.attempt(cm.ctx, b); err != nil {
			slog.Debug("Reconnection attempt failed", "error", err)
			continue
		}

		// The user may have disconnected while the attempt was in flight.
		cm.mu.Lock()
		manual := cm.manual
		cm.mu.Unlock()
		if manual {
			b.Disconnect()
			return
		}
	}
}

package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbocsi/relaychat/apperr"
	"github.com/mbocsi/relaychat/broker"
	"github.com/mbocsi/relaychat/proto"
)

// MockBroker for testing the managers without a transport
type MockBroker struct {
	mu         sync.Mutex
	status     proto.ConnectionStatus
	observers  map[int]func(proto.ConnectionStatus)
	nextID     int
	handler    func(proto.Envelope)
	published  []proto.Envelope
	connects   int
	connectErr error
	publishErr error

	gate      chan struct{} // when set, Connect blocks until it is closed
	active    int
	maxActive int
}

func NewMockBroker() *MockBroker {
	return &MockBroker{
		status:    proto.StatusDisconnected,
		observers: make(map[int]func(proto.ConnectionStatus)),
	}
}

func (mb *MockBroker) Connect(ctx context.Context, cfg broker.Config) error {
	mb.mu.Lock()
	mb.connects++
	err := mb.connectErr
	gate := mb.gate
	mb.active++
	mb.maxActive = max(mb.maxActive, mb.active)
	mb.mu.Unlock()
	defer func() {
		mb.mu.Lock()
		mb.active--
		mb.mu.Unlock()
	}()

	mb.set(proto.StatusConnecting)
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			mb.set(proto.StatusFailed)
			return ctx.Err()
		}
	}
	if err != nil {
		mb.set(proto.StatusFailed)
		return err
	}
	mb.set(proto.StatusConnected)
	return nil
}

func (mb *MockBroker) Disconnect() {
	mb.set(proto.StatusDisconnected)
}

// Drop simulates the transport losing its connection.
func (mb *MockBroker) Drop() {
	mb.set(proto.StatusDisconnected)
}

func (mb *MockBroker) Subscribe(channel string, fn func(proto.Envelope)) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.status != proto.StatusConnected {
		return broker.ErrNotConnected
	}
	if mb.handler != nil {
		return broker.ErrAlreadySubscribed
	}
	mb.handler = fn
	return nil
}

func (mb *MockBroker) Publish(ctx context.Context, channel string, env proto.Envelope) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.publishErr != nil {
		return mb.publishErr
	}
	if mb.status != proto.StatusConnected {
		return broker.ErrNotConnected
	}
	mb.published = append(mb.published, env)
	return nil
}

func (mb *MockBroker) OnConnectionChange(fn func(proto.ConnectionStatus)) func() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	id := mb.nextID
	mb.nextID++
	mb.observers[id] = fn
	return func() {
		mb.mu.Lock()
		defer mb.mu.Unlock()
		delete(mb.observers, id)
	}
}

func (mb *MockBroker) Status() proto.ConnectionStatus {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.status
}

func (mb *MockBroker) set(s proto.ConnectionStatus) {
	mb.mu.Lock()
	if mb.status == s {
		mb.mu.Unlock()
		return
	}
	mb.status = s
	fns := make([]func(proto.ConnectionStatus), 0, len(mb.observers))
	for _, fn := range mb.observers {
		fns = append(fns, fn)
	}
	mb.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

func (mb *MockBroker) Deliver(env proto.Envelope) {
	mb.mu.Lock()
	fn := mb.handler
	mb.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}

func (mb *MockBroker) SetConnectError(err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.connectErr = err
}

func (mb *MockBroker) SetPublishError(err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.publishErr = err
}

func (mb *MockBroker) SetConnectGate(gate chan struct{}) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.gate = gate
}

// MaxConcurrentConnects is the most Connect calls that were ever running at once.
func (mb *MockBroker) MaxConcurrentConnects() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.maxActive
}

func (mb *MockBroker) Connects() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.connects
}

func (mb *MockBroker) Published() []proto.Envelope {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]proto.Envelope(nil), mb.published...)
}

// MockStore keeps messages newest first in memory
type MockStore struct {
	mu       sync.Mutex
	messages []proto.Message
	saveErr  error
}

func (ms *MockStore) SaveMessage(msg proto.Message) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.saveErr != nil {
		return ms.saveErr
	}
	ms.messages = append([]proto.Message{msg}, ms.messages...)
	return nil
}

func (ms *MockStore) GetMessages(limit int) []proto.Message {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if limit <= 0 || limit > len(ms.messages) {
		limit = len(ms.messages)
	}
	return append([]proto.Message(nil), ms.messages[:limit]...)
}

func (ms *MockStore) ClearMessages() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.messages = nil
	return nil
}

// MockConfig returns a fixed broker config or error
type MockConfig struct {
	mu  sync.Mutex
	cfg broker.Config
	err error
}

func (mc *MockConfig) BrokerConfig() (broker.Config, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.cfg, mc.err
}

func (mc *MockConfig) SetError(err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.err = err
}

var errRefused = apperr.New(apperr.KindConnection, "mock connection failed", errors.New("connection refused"))

type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *recorder[T]) record(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, v)
}

func (r *recorder[T]) get() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

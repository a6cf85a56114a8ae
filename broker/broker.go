package broker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mbocsi/relaychat/apperr"
	"github.com/mbocsi/relaychat/proto"
)

// Broker is the contract every pub/sub transport implements.
//
// Connect and Publish block on network I/O and honour ctx. Disconnect, Subscribe and
// Status return immediately. Connection changes are delivered to observers synchronously
// and in the order the transitions happen.
type Broker interface {
	Connect(ctx context.Context, cfg Config) error
	Disconnect()
	// Subscribe registers the single inbound handler of this broker. An empty channel
	// means the configured channel.
	Subscribe(channel string, fn func(proto.Envelope)) error
	Publish(ctx context.Context, channel string, env proto.Envelope) error
	// OnConnectionChange registers an observer and returns a func that detaches it.
	OnConnectionChange(fn func(proto.ConnectionStatus)) (detach func())
	Status() proto.ConnectionStatus
}

type Type string

const (
	TypeRedis     Type = "redis"
	TypeAMQP      Type = "amqp"
	TypeWebSocket Type = "websocket"
)

const DefaultConnectTimeout = 10 * time.Second

// Config holds the transport parameters of one connection attempt.
type Config struct {
	Type           Type
	Channel        string
	DeviceName     string
	ConnectTimeout time.Duration

	Redis     RedisConfig
	AMQP      AMQPConfig
	WebSocket WebSocketConfig
}

type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

type AMQPConfig struct {
	URL      string
	Exchange string
}

type WebSocketConfig struct {
	URL string // relay URL; discovered over mDNS when empty
}

func (c Config) timeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return c.ConnectTimeout
}

var (
	ErrNotConnected       = errors.New("not connected, call Connect first")
	ErrAlreadySubscribed  = errors.New("a message handler is already registered")
	ErrUnsupportedChannel = errors.New("only the configured channel is supported")
)

// Constructor builds a fresh, disconnected broker.
type Constructor func() Broker

var (
	registryMu sync.RWMutex
	registry   = map[Type]Constructor{
		TypeRedis:     func() Broker { return NewRedisBroker() },
		TypeAMQP:      func() Broker { return NewAMQPBroker() },
		TypeWebSocket: func() Broker { return NewWebSocketBroker() },
	}
)

// Register adds or replaces the constructor for a broker type.
func Register(t Type, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t] = c
}

// New builds a broker of the given type. Unknown types fail without creating anything.
func New(t Type) (Broker, error) {
	registryMu.RLock()
	c, ok := registry[t]
	registryMu.RUnlock()
	if !ok {
		return nil, apperr.Configuration(fmt.Sprintf("unknown broker type %q", t))
	}
	return c(), nil
}

// ParseType validates a user supplied broker type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	registryMu.RLock()
	_, ok := registry[t]
	registryMu.RUnlock()
	if !ok {
		return "", apperr.Validation(fmt.Sprintf("invalid broker type %q, must be one of %s", s, strings.Join(typeNames(), ", ")))
	}
	return t, nil
}

// Types lists the registered broker types in a stable order.
func Types() []Type {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := make([]Type, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

func typeNames() []string {
	types := Types()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return names
}

func connectError(provider string, err error) error {
	return apperr.New(apperr.KindConnection, provider+" connection failed", err)
}

func publishError(provider string, err error) error {
	return apperr.New(apperr.KindPublish, provider+" publish failed", err)
}

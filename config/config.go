package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbocsi/relaychat/apperr"
	"github.com/mbocsi/relaychat/broker"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHTTPAddr      = "127.0.0.1:8080"
	DefaultStorePath     = "relaychat.db"
	DefaultBrokerType    = broker.TypeWebSocket
	DefaultRetryInterval = 5 * time.Second
)

// Environment variables that override endpoints and secrets from the file.
const (
	EnvRedisAddr     = "RELAYCHAT_REDIS_ADDR"
	EnvRedisPassword = "RELAYCHAT_REDIS_PASSWORD"
	EnvAMQPURL       = "RELAYCHAT_AMQP_URL"
	EnvRelayURL      = "RELAYCHAT_RELAY_URL"
)

// File is the on-disk settings document.
type File struct {
	DeviceName     string        `yaml:"device_name,omitempty"`
	ChannelName    string        `yaml:"channel_name,omitempty"`
	BrokerType     string        `yaml:"broker_type,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	RetryInterval  time.Duration `yaml:"retry_interval,omitempty"`

	HTTP  HTTPConfig  `yaml:"http"`
	Store StoreConfig `yaml:"store"`
	Log   LogConfig   `yaml:"log"`

	Redis RedisConfig `yaml:"redis,omitempty"`
	AMQP  AMQPConfig  `yaml:"amqp,omitempty"`
	Relay RelayConfig `yaml:"relay,omitempty"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

type AMQPConfig struct {
	URL      string `yaml:"url,omitempty"`
	Exchange string `yaml:"exchange,omitempty"`
}

type RelayConfig struct {
	URL string `yaml:"url,omitempty"`
}

func Defaults() File {
	return File{
		BrokerType:     string(DefaultBrokerType),
		ConnectTimeout: broker.DefaultConnectTimeout,
		RetryInterval:  DefaultRetryInterval,
		HTTP:           HTTPConfig{Addr: DefaultHTTPAddr},
		Store:          StoreConfig{Path: DefaultStorePath},
		Log:            LogConfig{Level: "info", Format: "text"},
	}
}

// Manager holds the settings and writes every change back to the file.
type Manager struct {
	path string

	mu   sync.RWMutex
	file File
}

// Load reads settings from path. A missing or unreadable file yields the defaults.
// An empty path keeps settings in memory only.
func Load(path string) *Manager {
	m := &Manager{path: path, file: Defaults()}
	if path == "" {
		return m
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("No settings file, using defaults", "path", path)
		return m
	}
	if err != nil {
		slog.Warn("Failed to read settings, using defaults", "path", path, "error", err)
		return m
	}

	file := Defaults()
	if err := yaml.Unmarshal(data, &file); err != nil {
		slog.Warn("Invalid settings file, using defaults", "path", path, "error", err)
		return m
	}
	if _, err := broker.ParseType(file.BrokerType); err != nil {
		slog.Warn("Unknown broker type in settings, using default", "broker", file.BrokerType, "default", DefaultBrokerType)
		file.BrokerType = string(DefaultBrokerType)
	}
	m.file = file
	return m
}

func (m *Manager) Path() string {
	return m.path
}

// Snapshot returns a copy of the current settings without env overrides.
func (m *Manager) Snapshot() File {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.file
}

func (m *Manager) DeviceName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.file.DeviceName
}

func (m *Manager) ChannelName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.file.ChannelName
}

func (m *Manager) BrokerType() broker.Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.file.BrokerType == "" {
		return DefaultBrokerType
	}
	return broker.Type(m.file.BrokerType)
}

// IsConfigured reports whether both the device name and the channel are set.
func (m *Manager) IsConfigured() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.file.DeviceName != "" && m.file.ChannelName != ""
}

func (m *Manager) HTTPAddr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return orDefault(m.file.HTTP.Addr, DefaultHTTPAddr)
}

func (m *Manager) StorePath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return orDefault(m.file.Store.Path, DefaultStorePath)
}

func (m *Manager) Log() LogConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.file.Log
}

func (m *Manager) RetryInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.file.RetryInterval <= 0 {
		return DefaultRetryInterval
	}
	return m.file.RetryInterval
}

func (m *Manager) SetDeviceName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return apperr.Validation("device name cannot be empty")
	}
	return m.update(func(f *File) { f.DeviceName = name })
}

func (m *Manager) SetChannelName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return apperr.Validation("channel name cannot be empty")
	}
	return m.update(func(f *File) { f.ChannelName = name })
}

func (m *Manager) SetBrokerType(s string) error {
	t, err := broker.ParseType(s)
	if err != nil {
		return err
	}
	return m.update(func(f *File) { f.BrokerType = string(t) })
}

// SetRelayURL sets the relay address used by the websocket broker. An empty URL
// enables mDNS discovery.
func (m *Manager) SetRelayURL(url string) error {
	url = strings.TrimSpace(url)
	return m.update(func(f *File) { f.Relay.URL = url })
}

// BrokerConfig builds the transport parameters for the selected broker type.
func (m *Manager) BrokerConfig() (broker.Config, error) {
	m.mu.RLock()
	f := m.file
	m.mu.RUnlock()

	cfg := broker.Config{
		Type:           broker.Type(orDefault(f.BrokerType, string(DefaultBrokerType))),
		Channel:        f.ChannelName,
		DeviceName:     f.DeviceName,
		ConnectTimeout: f.ConnectTimeout,
		Redis: broker.RedisConfig{
			Addr:     env(EnvRedisAddr, f.Redis.Addr),
			Username: f.Redis.Username,
			Password: env(EnvRedisPassword, f.Redis.Password),
			DB:       f.Redis.DB,
		},
		AMQP: broker.AMQPConfig{
			URL:      env(EnvAMQPURL, f.AMQP.URL),
			Exchange: f.AMQP.Exchange,
		},
		WebSocket: broker.WebSocketConfig{
			URL: env(EnvRelayURL, f.Relay.URL),
		},
	}

	if cfg.Channel == "" {
		return cfg, apperr.Configuration("channel name is not configured")
	}
	switch cfg.Type {
	case broker.TypeRedis:
		if cfg.Redis.Addr == "" {
			return cfg, apperr.Configuration(fmt.Sprintf("redis address is not configured, set redis.addr or %s", EnvRedisAddr))
		}
	case broker.TypeAMQP:
		if cfg.AMQP.URL == "" {
			return cfg, apperr.Configuration(fmt.Sprintf("amqp url is not configured, set amqp.url or %s", EnvAMQPURL))
		}
	}
	return cfg, nil
}

func (m *Manager) update(fn func(*File)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.file)
	return m.saveLocked()
}

// saveLocked replaces the file atomically. Callers hold m.mu.
func (m *Manager) saveLocked() error {
	if m.path == "" {
		return nil
	}

	data, err := yaml.Marshal(&m.file)
	if err != nil {
		return apperr.New(apperr.KindConfiguration, "failed to encode settings", err)
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".relaychat-*.yaml")
	if err != nil {
		return apperr.New(apperr.KindConfiguration, "failed to save settings", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperr.New(apperr.KindConfiguration, "failed to save settings", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apperr.New(apperr.KindConfiguration, "failed to save settings", err)
	}
	if err := tmp.Close(); err != nil {
		return apperr.New(apperr.KindConfiguration, "failed to save settings", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return apperr.New(apperr.KindConfiguration, "failed to save settings", err)
	}
	return nil
}

// GenerateChannelName returns a fresh random channel name.
func GenerateChannelName() string {
	return "channel-" + uuid.NewString()
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

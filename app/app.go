package app

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mbocsi/relaychat/apperr"
	"github.com/mbocsi/relaychat/broker"
	"github.com/mbocsi/relaychat/config"
	"github.com/mbocsi/relaychat/messaging"
	"github.com/mbocsi/relaychat/notify"
	"github.com/mbocsi/relaychat/proto"
)

// Observer is a UI boundary that wants to hear about chat and connection events.
type Observer interface {
	MessageReceived(m proto.Message)
	SendSucceeded(m proto.Message)
	SendFailed(err error, content string)
	StatusChanged(s proto.ConnectionStatus)
	Notice(n messaging.Notice)
}

type Settings struct {
	DeviceName  string        `json:"deviceName"`
	ChannelName string        `json:"channelName"`
	BrokerType  broker.Type   `json:"brokerType"`
	Configured  bool          `json:"configured"`
	BrokerTypes []broker.Type `json:"brokerTypes"`
}

// SettingsUpdate carries the fields to change. Empty fields are left alone.
type SettingsUpdate struct {
	DeviceName  string `json:"deviceName,omitempty"`
	BrokerType  string `json:"brokerType,omitempty"`
	ChannelName string `json:"channelName,omitempty"`
}

type StatusInfo struct {
	Status     proto.ConnectionStatus `json:"status"`
	State      messaging.State        `json:"state"`
	Retrying   bool                   `json:"retrying"`
	BrokerType broker.Type            `json:"brokerType"`
	Channel    string                 `json:"channel"`
}

// App owns the connection and message managers for one device and swaps them when
// the broker type changes.
type App struct {
	config   *config.Manager
	store    messaging.MessageStore
	notifier *notify.Notifier
	cm       *messaging.ConnectionManager

	settingsMu sync.Mutex // serializes UpdateSettings

	mu        sync.RWMutex
	mm        *messaging.MessageManager
	observers []Observer
}

func New(cfg *config.Manager, store messaging.MessageStore, notifier *notify.Notifier) (*App, error) {
	b, err := broker.New(cfg.BrokerType())
	if err != nil {
		return nil, err
	}

	a := &App{config: cfg, store: store, notifier: notifier}
	a.mm = a.newMessageManager(b)
	a.cm = messaging.NewConnectionManager(b, cfg)
	a.cm.SetRetryInterval(cfg.RetryInterval())
	a.cm.OnStatusChange(a.statusChanged)
	a.cm.OnNotice(a.notice)
	return a, nil
}

func (a *App) ConnectionManager() *messaging.ConnectionManager {
	return a.cm
}

// Attach registers a UI boundary.
func (a *App) Attach(o Observer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, o)
}

// Start makes the first connection attempt if the device is configured. A failure is
// left to the retry loop.
func (a *App) Start(ctx context.Context) {
	if !a.config.IsConfigured() {
		slog.Info("Device not configured, waiting for settings")
		return
	}
	if err := a.cm.Connect(ctx); err != nil {
		slog.Warn("Initial connection failed", "broker", a.config.BrokerType(), "error", err)
	}
}

// Run starts the app and blocks until ctx is done, then disconnects.
func (a *App) Run(ctx context.Context) error {
	a.Start(ctx)
	<-ctx.Done()
	slog.Info("Shutting down connection")
	a.Close()
	return nil
}

func (a *App) Close() {
	a.cm.Close()
}

func (a *App) Send(ctx context.Context, content string) (proto.Message, error) {
	return a.messages().SendMessage(ctx, content, a.config.DeviceName())
}

func (a *App) History(limit int) []proto.Message {
	return a.messages().GetMessageHistory(limit)
}

func (a *App) ClearHistory() error {
	return a.messages().ClearHistory()
}

func (a *App) Connect(ctx context.Context) error {
	return a.cm.Connect(ctx)
}

func (a *App) Disconnect() {
	a.cm.Disconnect()
}

func (a *App) Status() StatusInfo {
	return StatusInfo{
		Status:     a.cm.Status(),
		State:      a.cm.State(),
		Retrying:   a.cm.Retrying(),
		BrokerType: a.config.BrokerType(),
		Channel:    a.config.ChannelName(),
	}
}

func (a *App) Settings() Settings {
	return Settings{
		DeviceName:  a.config.DeviceName(),
		ChannelName: a.config.ChannelName(),
		BrokerType:  a.config.BrokerType(),
		Configured:  a.config.IsConfigured(),
		BrokerTypes: broker.Types(),
	}
}

// UpdateSettings applies u. The channel can only be chosen while the device is not yet
// configured. A new broker type replaces the broker and its message manager, and the
// device connects once it becomes configured.
func (a *App) UpdateSettings(ctx context.Context, u SettingsUpdate) (Settings, error) {
	a.settingsMu.Lock()
	defer a.settingsMu.Unlock()

	wasConfigured := a.config.IsConfigured()
	if u.ChannelName != "" && wasConfigured && u.ChannelName != a.config.ChannelName() {
		return a.Settings(), apperr.Validation("channel cannot be changed once configured")
	}

	var next broker.Broker
	if u.BrokerType != "" {
		t, err := broker.ParseType(u.BrokerType)
		if err != nil {
			return a.Settings(), err
		}
		if t != a.config.BrokerType() {
			if next, err = broker.New(t); err != nil {
				return a.Settings(), err
			}
		}
	}

	if u.DeviceName != "" {
		if err := a.config.SetDeviceName(u.DeviceName); err != nil {
			return a.Settings(), err
		}
	}
	if u.ChannelName != "" && !wasConfigured {
		if err := a.config.SetChannelName(u.ChannelName); err != nil {
			return a.Settings(), err
		}
	}

	configured := a.config.IsConfigured()
	if next != nil {
		if err := a.config.SetBrokerType(u.BrokerType); err != nil {
			return a.Settings(), err
		}
		a.switchBroker(ctx, next, configured)
	} else if configured && !wasConfigured {
		if err := a.cm.Connect(ctx); err != nil {
			slog.Warn("First connection failed", "error", err)
		}
	}
	return a.Settings(), nil
}

// switchBroker disconnects the old broker, then installs b with a fresh message manager.
// The manager is in place before b connects so the connected callback subscribes it.
func (a *App) switchBroker(ctx context.Context, b broker.Broker, connect bool) {
	mm := a.newMessageManager(b)
	a.cm.ReplaceBroker(b)
	a.mu.Lock()
	a.mm = mm
	a.mu.Unlock()

	if !connect {
		return
	}
	if err := a.cm.Connect(ctx); err != nil {
		slog.Warn("Connection on new broker failed", "broker", a.config.BrokerType(), "error", err)
	}
}

func (a *App) newMessageManager(b broker.Broker) *messaging.MessageManager {
	mm := messaging.NewMessageManager(b, a.store)
	mm.OnMessageReceived(a.messageReceived)
	mm.OnSendSuccess(func(m proto.Message) {
		a.each(func(o Observer) { o.SendSucceeded(m) })
	})
	mm.OnSendError(func(err error, content string) {
		a.each(func(o Observer) { o.SendFailed(err, content) })
	})
	return mm
}

func (a *App) messages() *messaging.MessageManager {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mm
}

func (a *App) messageReceived(m proto.Message) {
	if a.notifier != nil {
		a.notifier.MessageReceived(m)
	}
	a.each(func(o Observer) { o.MessageReceived(m) })
}

func (a *App) statusChanged(s proto.ConnectionStatus) {
	if s == proto.StatusConnected {
		if err := a.messages().SetupMessageSubscription(); err != nil {
			slog.Error("Failed to subscribe to messages", "error", err)
		}
	}
	a.each(func(o Observer) { o.StatusChanged(s) })
}

func (a *App) notice(n messaging.Notice) {
	a.each(func(o Observer) { o.Notice(n) })
}

func (a *App) each(fn func(Observer)) {
	a.mu.RLock()
	obs := append([]Observer(nil), a.observers...)
	a.mu.RUnlock()

	for _, o := range obs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("UI observer panicked", "panic", r)
				}
			}()
			fn(o)
		}()
	}
}

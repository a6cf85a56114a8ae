package app

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mbocsi/relaychat/apperr"
	"github.com/mbocsi/relaychat/broker"
	"github.com/mbocsi/relaychat/config"
	"github.com/mbocsi/relaychat/messaging"
	"github.com/mbocsi/relaychat/notify"
	"github.com/mbocsi/relaychat/proto"
	"github.com/mbocsi/relaychat/relay"
	"github.com/mbocsi/relaychat/storage"
)

type testObserver struct {
	mu       sync.Mutex
	received []proto.Message
	sent     []proto.Message
	failed   []string
	statuses []proto.ConnectionStatus
	notices  []messaging.Notice
	arrived  chan proto.Message
}

func newTestObserver() *testObserver {
	return &testObserver{arrived: make(chan proto.Message, 16)}
}

func (o *testObserver) MessageReceived(m proto.Message) {
	o.mu.Lock()
	o.received = append(o.received, m)
	o.mu.Unlock()
	o.arrived <- m
}

func (o *testObserver) SendSucceeded(m proto.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, m)
}

func (o *testObserver) SendFailed(err error, content string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, content)
}

func (o *testObserver) StatusChanged(s proto.ConnectionStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, s)
}

func (o *testObserver) Notice(n messaging.Notice) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notices = append(o.notices, n)
}

func (o *testObserver) noticeKinds() []messaging.NoticeKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	kinds := make([]messaging.NoticeKind, len(o.notices))
	for i, n := range o.notices {
		kinds[i] = n.Kind
	}
	return kinds
}

type MockSink struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (s *MockSink) Notify(n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, n)
	return nil
}

func (s *MockSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notes)
}

func startRelay(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(relay.NewServer("127.0.0.1:0").Routes())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

// newTestApp builds an app with in-memory settings pointed at relayURL. Empty device
// and channel leave it unconfigured.
func newTestApp(t *testing.T, relayURL, device, channel string) (*App, *testObserver, *MockSink) {
	t.Helper()
	cfg := config.Load("")
	cfg.SetRelayURL(relayURL)
	if device != "" {
		cfg.SetDeviceName(device)
	}
	if channel != "" {
		cfg.SetChannelName(channel)
	}

	store, err := storage.OpenBoltStore(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sink := &MockSink{}
	a, err := New(cfg, store, notify.NewNotifier(notify.NewFocusTracker(), sink))
	if err != nil {
		t.Fatalf("Failed to create app: %v", err)
	}
	a.ConnectionManager().SetRetryInterval(50 * time.Millisecond)
	t.Cleanup(a.Close)

	obs := newTestObserver()
	a.Attach(obs)
	return a, obs, sink
}

func waitConnected(t *testing.T, a *App) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for a.Status().Status != proto.StatusConnected {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for connection, status %+v", a.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestApp_EndToEnd(t *testing.T) {
	url := startRelay(t)
	laptop, laptopObs, laptopSink := newTestApp(t, url, "laptop", "channel-e2e")
	phone, phoneObs, phoneSink := newTestApp(t, url, "phone", "channel-e2e")

	laptop.Start(context.Background())
	phone.Start(context.Background())
	waitConnected(t, laptop)
	waitConnected(t, phone)

	msg, err := laptop.Send(context.Background(), " hello phone ")
	if err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	select {
	case got := <-phoneObs.arrived:
		if got.ID != msg.ID || got.Content != "hello phone" || got.DeviceName != "laptop" {
			t.Errorf("Unexpected received message %+v", got)
		}
		if got.Direction != proto.DirectionReceived {
			t.Errorf("Expected received direction, got %s", got.Direction)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for message on phone")
	}

	if h := laptop.History(0); len(h) != 1 || h[0].Direction != proto.DirectionSent {
		t.Errorf("Expected sent message in laptop history, got %+v", h)
	}
	if h := phone.History(0); len(h) != 1 || h[0].ID != msg.ID {
		t.Errorf("Expected received message in phone history, got %+v", h)
	}
	if phoneSink.count() != 1 {
		t.Errorf("Expected 1 notification on phone, got %d", phoneSink.count())
	}
	if laptopSink.count() != 0 {
		t.Error("Expected no notification for own message")
	}
	laptopObs.mu.Lock()
	defer laptopObs.mu.Unlock()
	if len(laptopObs.received) != 0 {
		t.Error("Expected laptop not to receive its own message")
	}
}

func TestApp_FirstConfigurationConnects(t *testing.T) {
	url := startRelay(t)
	a, _, _ := newTestApp(t, url, "", "")

	a.Start(context.Background())
	if a.Status().Status != proto.StatusDisconnected {
		t.Fatalf("Expected unconfigured app to stay disconnected, got %s", a.Status().Status)
	}

	settings, err := a.UpdateSettings(context.Background(), SettingsUpdate{
		DeviceName:  "laptop",
		ChannelName: config.GenerateChannelName(),
	})
	if err != nil {
		t.Fatalf("Failed to update settings: %v", err)
	}
	if !settings.Configured {
		t.Error("Expected app to be configured")
	}
	waitConnected(t, a)
}

func TestApp_ChannelLockedOnceConfigured(t *testing.T) {
	a, _, _ := newTestApp(t, startRelay(t), "laptop", "channel-1")

	_, err := a.UpdateSettings(context.Background(), SettingsUpdate{ChannelName: "channel-2"})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
	if a.Settings().ChannelName != "channel-1" {
		t.Errorf("Expected channel to be unchanged, got %s", a.Settings().ChannelName)
	}

	if _, err := a.UpdateSettings(context.Background(), SettingsUpdate{DeviceName: "desktop"}); err != nil {
		t.Fatalf("Expected device rename to succeed, got %v", err)
	}
	if a.Settings().DeviceName != "desktop" {
		t.Errorf("Expected renamed device, got %s", a.Settings().DeviceName)
	}
}

func TestApp_InvalidBrokerTypeChangesNothing(t *testing.T) {
	a, _, _ := newTestApp(t, startRelay(t), "laptop", "channel-1")
	before := a.ConnectionManager().Broker()

	_, err := a.UpdateSettings(context.Background(), SettingsUpdate{DeviceName: "desktop", BrokerType: "pigeon"})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
	if a.ConnectionManager().Broker() != before {
		t.Error("Expected broker to be unchanged")
	}
	if a.Settings().DeviceName != "laptop" {
		t.Error("Expected no partial update")
	}
}

func TestApp_SwitchBroker(t *testing.T) {
	t.Setenv(config.EnvRedisAddr, "")
	url := startRelay(t)
	a, obs, _ := newTestApp(t, url, "laptop", "channel-switch")
	peer, peerObs, _ := newTestApp(t, url, "phone", "channel-switch")

	a.Start(context.Background())
	peer.Start(context.Background())
	waitConnected(t, a)
	waitConnected(t, peer)

	// Redis without an address cannot connect and must not retry.
	if _, err := a.UpdateSettings(context.Background(), SettingsUpdate{BrokerType: "redis"}); err != nil {
		t.Fatalf("Expected settings update to succeed, got %v", err)
	}
	if _, ok := a.ConnectionManager().Broker().(*broker.RedisBroker); !ok {
		t.Errorf("Expected redis broker, got %T", a.ConnectionManager().Broker())
	}
	if a.ConnectionManager().Retrying() {
		t.Error("Expected configuration failure not to retry")
	}
	kinds := obs.noticeKinds()
	if len(kinds) == 0 || kinds[len(kinds)-1] != messaging.NoticeConnectFailed {
		t.Errorf("Expected connect_failed notice, got %v", kinds)
	}

	if _, err := a.UpdateSettings(context.Background(), SettingsUpdate{BrokerType: "websocket"}); err != nil {
		t.Fatalf("Expected switch back to succeed, got %v", err)
	}
	waitConnected(t, a)

	if _, err := a.Send(context.Background(), "after switch"); err != nil {
		t.Fatalf("Failed to send after switch: %v", err)
	}
	select {
	case got := <-peerObs.arrived:
		if got.Content != "after switch" {
			t.Errorf("Unexpected message %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for message after switch")
	}

	if _, err := peer.Send(context.Background(), "reply"); err != nil {
		t.Fatalf("Failed to reply: %v", err)
	}
	select {
	case got := <-obs.arrived:
		if got.Content != "reply" {
			t.Errorf("Unexpected message %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Expected the new message manager to be subscribed")
	}
}

func TestApp_SendFailureReachesObservers(t *testing.T) {
	a, obs, _ := newTestApp(t, startRelay(t), "laptop", "channel-1")

	if _, err := a.Send(context.Background(), "offline"); err == nil {
		t.Fatal("Expected send without connection to fail")
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.failed) != 1 || obs.failed[0] != "offline" {
		t.Errorf("Expected failed content to be reported, got %v", obs.failed)
	}
}

// swapWatcher records which message manager the app holds whenever a disconnect is reported.
type swapWatcher struct {
	*testObserver
	app *App

	mu           sync.Mutex
	atDisconnect []*messaging.MessageManager
}

func (w *swapWatcher) StatusChanged(s proto.ConnectionStatus) {
	if s != proto.StatusDisconnected {
		return
	}
	mm := w.app.messages()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.atDisconnect = append(w.atDisconnect, mm)
}

func TestApp_SwitchBrokerDisconnectsBeforeSwap(t *testing.T) {
	t.Setenv(config.EnvAMQPURL, "")
	a, _, _ := newTestApp(t, startRelay(t), "laptop", "channel-1")
	a.Start(context.Background())
	waitConnected(t, a)

	old := a.messages()
	w := &swapWatcher{testObserver: newTestObserver(), app: a}
	a.Attach(w)

	if _, err := a.UpdateSettings(context.Background(), SettingsUpdate{BrokerType: "amqp"}); err != nil {
		t.Fatalf("Expected settings update to succeed, got %v", err)
	}

	w.mu.Lock()
	seen := append([]*messaging.MessageManager(nil), w.atDisconnect...)
	w.mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("Expected the old broker to report disconnected")
	}
	if seen[0] != old {
		t.Error("Expected the message manager to be replaced only after the old broker disconnected")
	}
	if a.messages() == old {
		t.Error("Expected a new message manager after the switch")
	}
}

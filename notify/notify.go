package notify

import (
	"log/slog"
	"sync"

	"github.com/mbocsi/relaychat/proto"
)

// Notification is what a sink shows for an inbound message. Tag is the message id so a
// repeated delivery replaces rather than stacks.
type Notification struct {
	Tag       string `json:"tag"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

type Sink interface {
	Notify(n Notification) error
}

// FocusTracker counts UI sessions that currently have focus.
type FocusTracker struct {
	mu      sync.Mutex
	focused map[string]bool
}

func NewFocusTracker() *FocusTracker {
	return &FocusTracker{focused: make(map[string]bool)}
}

func (f *FocusTracker) SetFocus(session string, focused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if focused {
		f.focused[session] = true
	} else {
		delete(f.focused, session)
	}
}

// Remove forgets a session, which counts as losing focus.
func (f *FocusTracker) Remove(session string) {
	f.SetFocus(session, false)
}

func (f *FocusTracker) Focused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.focused) > 0
}

// Notifier raises a notification for inbound messages while no UI session is focused.
type Notifier struct {
	focus *FocusTracker

	mu    sync.RWMutex
	sinks []Sink
}

func NewNotifier(focus *FocusTracker, sinks ...Sink) *Notifier {
	return &Notifier{focus: focus, sinks: sinks}
}

func (n *Notifier) AddSink(s Sink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sinks = append(n.sinks, s)
}

func (n *Notifier) Focus() *FocusTracker {
	return n.focus
}

// MessageReceived reports whether a notification was raised.
func (n *Notifier) MessageReceived(m proto.Message) bool {
	if n.focus != nil && n.focus.Focused() {
		return false
	}

	note := Notification{
		Tag:       m.ID,
		Title:     "New message from " + m.DeviceName,
		Body:      m.Content,
		Timestamp: m.Timestamp,
	}

	n.mu.RLock()
	sinks := append([]Sink(nil), n.sinks...)
	n.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Notify(note); err != nil {
			slog.Warn("Failed to deliver notification", "tag", note.Tag, "error", err)
		}
	}
	return true
}

// LogSink writes notifications to the log.
type LogSink struct{}

func (LogSink) Notify(n Notification) error {
	slog.Info(n.Title, "tag", n.Tag, "body", n.Body)
	return nil
}

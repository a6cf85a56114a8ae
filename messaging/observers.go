package messaging

import (
	"log/slog"
	"sync"
)

// observers is a list of callbacks that are each run in isolation: a panic in one is
// logged and does not stop the others.
type observers[T any] struct {
	name string
	mu   sync.RWMutex
	fns  []func(T)
}

func (o *observers[T]) add(fn func(T)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fns = append(o.fns, fn)
}

func (o *observers[T]) emit(v T) {
	o.mu.RLock()
	fns := make([]func(T), len(o.fns))
	copy(fns, o.fns)
	o.mu.RUnlock()

	for _, fn := range fns {
		o.call(fn, v)
	}
}

func (o *observers[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Observer panicked", "observer", o.name, "panic", r)
		}
	}()
	fn(v)
}

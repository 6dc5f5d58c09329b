package events

import "sync"

// Listener receives events of the kinds it subscribed to.
type Listener interface {
	Handle(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) Handle(e Event) { f(e) }

type topic struct {
	mu        sync.RWMutex
	listeners []Listener
}

// Bus dispatches events synchronously to the listeners of their kind, in
// registration order, on the publisher's goroutine. A listener that panics
// propagates the panic to the publisher.
//
// Each kind has its own lock: subscribing to a kind waits for in-flight
// publications of that kind, while publications of any kinds run in parallel.
type Bus struct {
	topics [numKinds]topic
}

// NewBus creates a bus with no listeners.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers l for events of kind k.
func (b *Bus) Subscribe(k Kind, l Listener) {
	if k >= numKinds {
		return
	}
	t := &b.topics[k]
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

// SubscribeAll registers l for every kind.
func (b *Bus) SubscribeAll(l Listener) {
	for _, k := range Kinds() {
		b.Subscribe(k, l)
	}
}

// Publish delivers e to every listener of its kind.
func (b *Bus) Publish(e Event) {
	k := e.Kind()
	if k >= numKinds {
		return
	}
	t := &b.topics[k]
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, l := range t.listeners {
		l.Handle(e)
	}
}

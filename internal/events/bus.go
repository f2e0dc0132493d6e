package events

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Handler receives the raw payload of one push event.
type Handler func(data json.RawMessage)

// Subscription identifies one registered handler. Go funcs are not
// comparable, so unsubscription goes by token rather than by callback value.
type Subscription struct {
	event string
	fn    Handler
}

// Bus is a per-event-name fan-out registry. Removing one subscription never
// disturbs other subscribers of the same event, and Close drops everything so
// teardown leaves no dangling callbacks.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*Subscription
	closed bool
	log    *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		subs: make(map[string][]*Subscription),
		log:  log,
	}
}

func (b *Bus) Subscribe(event string, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.log.Warn("subscribe on closed bus", zap.String("event", event))
		return nil
	}
	s := &Subscription{event: event, fn: fn}
	b.subs[event] = append(b.subs[event], s)
	return s
}

// Unsubscribe removes exactly the given registration. Nil and already-removed
// tokens are no-ops.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.event]
	for i, cur := range list {
		if cur == s {
			b.subs[s.event] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[s.event]) == 0 {
		delete(b.subs, s.event)
	}
}

// Publish delivers to a copy of the current subscriber list, so handlers may
// unsubscribe themselves (or each other) mid-delivery.
func (b *Bus) Publish(event string, data json.RawMessage) {
	b.mu.Lock()
	list := b.subs[event]
	snapshot := make([]*Subscription, len(list))
	copy(snapshot, list)
	b.mu.Unlock()

	for _, s := range snapshot {
		s.fn(data)
	}
}

// Close drops all registrations. Subsequent Subscribe calls warn and no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]*Subscription)
}

// Reset drops all registrations but leaves the bus usable, for a session
// teardown that may be followed by a fresh connect.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*Subscription)
}

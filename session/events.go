package session

import (
	"log/slog"
	"sync"
)

// Event is the closed set of lifecycle notifications emitted by a Manager.
// Each variant carries its own fields; consumers switch on the concrete type.
type Event interface {
	sessionEvent()
}

// SessionStarted fires on a genuine inactive-to-active transition.
// Repeated activations are idempotent and do not re-fire it.
type SessionStarted struct {
	Descriptor Descriptor
}

// SessionEnded fires when the session is deactivated and the descriptor has
// been reset to the null sentinel.
type SessionEnded struct{}

// ActingAccountChanging fires when the acting account transitions, strictly
// before the matching ActingAccountResolved.
type ActingAccountChanging struct {
	Previous AccountRecord
	Next     AccountRecord
}

// ActingAccountResolved fires once acting-account metadata resolution
// completes for the current transition.
type ActingAccountResolved struct {
	Context ResolvedContext
}

func (SessionStarted) sessionEvent()        {}
func (SessionEnded) sessionEvent()          {}
func (ActingAccountChanging) sessionEvent() {}
func (ActingAccountResolved) sessionEvent() {}

// Bus is a small typed publish/subscribe channel for lifecycle events.
//
// Publishing never blocks: a subscriber that falls behind its buffer loses
// the event and a warning is logged. Subscribers must therefore size their
// buffers for their own consumption rate.
type Bus struct {
	log *slog.Logger
	def int

	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus constructs an event Bus. defaultBuffer sizes subscriptions that
// do not request a buffer of their own.
func NewBus(log *slog.Logger, defaultBuffer int) *Bus {
	if defaultBuffer <= 0 {
		defaultBuffer = 16
	}
	return &Bus{
		log:  log,
		def:  defaultBuffer,
		subs: make(map[int]chan Event),
	}
}

// Subscribe registers a buffered subscription. A non-positive buffer falls
// back to the bus default. The returned cancel func removes the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = b.def
	}

	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

func (b *Bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn("session.event.dropped", "subscriber", id, "event", eventName(ev))
		}
	}
}

func eventName(ev Event) string {
	switch ev.(type) {
	case SessionStarted:
		return "session_started"
	case SessionEnded:
		return "session_ended"
	case ActingAccountChanging:
		return "acting_account_changing"
	case ActingAccountResolved:
		return "acting_account_resolved"
	default:
		return "unknown"
	}
}

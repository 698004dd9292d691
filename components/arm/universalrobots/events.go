package universalrobots

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"go.viam.com/urbridge/components/arm/universalrobots/realtime"
)

// EventKind names what an Event carries.
type EventKind int

// The events a Connection publishes.
const (
	EventRawTelemetry EventKind = iota
	EventTelemetry
	EventResponse
	EventState
)

func (k EventKind) String() string {
	switch k {
	case EventRawTelemetry:
		return "raw_telemetry"
	case EventTelemetry:
		return "telemetry"
	case EventResponse:
		return "response"
	case EventState:
		return "state"
	default:
		return "unknown"
	}
}

// Event is one notification from a Connection. Raw holds the frame for EventRawTelemetry and
// the received bytes for EventResponse. Payloads are shared between subscribers and must not
// be modified.
type Event struct {
	Kind      EventKind
	Robot     string
	Time      time.Time
	Raw       []byte
	Telemetry *realtime.Snapshot
	State     State
	Err       error
}

// Subscription receives events from a Connection until closed.
type Subscription struct {
	ch      chan Event
	owner   *broadcaster
	dropped atomic.Uint64
	once    sync.Once
}

// C is closed once the subscription or its connection is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped counts the events that did not fit the subscription's buffer.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.owner.remove(s)
}

type broadcaster struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: map[*Subscription]struct{}{}}
}

func (b *broadcaster) subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{ch: make(chan Event, buffer), owner: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.once.Do(func() { close(sub.ch) })
}

// publish never blocks; a subscriber whose buffer is full misses the event.
func (b *broadcaster) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Inc()
		}
	}
}

func (b *broadcaster) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *broadcaster) close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = map[*Subscription]struct{}{}
	b.closed = true
	b.mu.Unlock()
	for sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
}

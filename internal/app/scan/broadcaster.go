package scan

import (
	"sync"

	"github.com/piisweep/piisweep/internal/domain/scan"
)

// Broadcaster fans a scan's event stream out to zero or more subscribers.
// Delivery to a subscriber is best-effort: a slow or detached consumer never
// blocks the producer, because observation and durability are independent
// lifecycles. A consumer that falls behind catches up from the durable event
// log via replay.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan scan.Event
	nextID int
	closed bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan scan.Event)}
}

// Subscribe registers a new subscriber with the given channel buffer and
// returns its event channel plus a cancel function. The channel is closed
// when the subscriber cancels or the broadcaster closes.
func (b *Broadcaster) Subscribe(buffer int) (<-chan scan.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan scan.Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber that has buffer space left.
// Events for full subscribers are dropped, not queued.
func (b *Broadcaster) Publish(evt scan.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close detaches and closes every subscriber channel. Further Publish calls
// are no-ops and further Subscribe calls return a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

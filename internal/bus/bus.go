package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// It is the change-notification channel between the engine and its observers
// (presentation layer, archive journal): store mutations, connection state
// changes and inbound wire envelopes are all published here.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	next    int
	dropped atomic.Uint64
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish sends an event to every subscriber whose prefix matches evt.Kind.
// Delivery is non-blocking: events to a subscriber with a full buffer are
// dropped and counted.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.prefix) {
			select {
			case sub.ch <- evt:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Subscribe returns a channel receiving events whose Kind starts with prefix,
// and a function that removes the subscription.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Dropped returns how many events were discarded due to full subscriber
// buffers since the bus was created.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

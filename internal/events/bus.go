package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full loses the event, which is the right trade for
// telemetry attached to a trading loop.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	dropped atomic.Uint64
}

// NewBus builds an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered observer channel and returns it with an
// unsubscribe func. The caller drains the channel; cancel closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish stamps and delivers the event to every subscriber that has buffer
// room, dropping it for the ones that do not.
func (b *Bus) Publish(t Type, payload any) {
	ev := Event{Type: t, At: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped on full buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts the bus; subsequent Publish calls are no-ops and all
// subscriber channels are closed.
func (b *Bus) Close() {
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

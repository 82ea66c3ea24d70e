package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelA()
	defer cancelB()

	bus.Publish(TypeCycleStarted, CycleStarted{Count: 7})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, TypeCycleStarted, ev.Type)
			assert.Equal(t, CycleStarted{Count: 7}, ev.Payload)
			assert.False(t, ev.At.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBusNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			bus.Publish(TypeCycleStarted, CycleStarted{Count: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.Greater(t, bus.Dropped(), uint64(0))

	// The one buffered event is the first published.
	ev := <-ch
	assert.Equal(t, CycleStarted{Count: 0}, ev.Payload)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe is harmless.
	bus.Publish(TypeFatal, Fatal{Reason: "session lost"})
}

func TestBusCloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe(1)

	bus.Close()
	bus.Close()
	bus.Publish(TypeCycleStarted, CycleStarted{})

	_, open := <-ch
	require.False(t, open)

	// Subscribing after close yields a closed channel.
	late, _ := bus.Subscribe(1)
	_, open = <-late
	assert.False(t, open)
}

package workflow

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_DeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(nil)
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelA()
	defer cancelB()

	bus.Publish(Event{Kind: EventLog, RunID: "run-1", Log: &LogEntry{Type: LogInfo, Message: "hello"}})

	for _, ch := range []<-chan Event{a, b} {
		e := <-ch
		assert.Equal(t, EventLog, e.Kind)
		assert.Equal(t, "hello", e.Log.Message)
		assert.False(t, e.Time.IsZero())
	}
}

func TestEventBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	var drops atomic.Int64
	bus := NewEventBus(func() { drops.Add(1) })
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Kind: EventLog})
	}

	assert.Len(t, ch, 1)
	assert.Equal(t, int64(4), bus.Dropped())
	assert.Equal(t, int64(4), drops.Load())
}

func TestEventBus_CancelIsIdempotent(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(nil)
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	bus.Publish(Event{Kind: EventLog})
}

func TestEventBus_Close(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(nil)
	ch, cancel := bus.Subscribe(1)
	bus.Close()
	bus.Close()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	late, lateCancel := bus.Subscribe(1)
	defer lateCancel()
	_, open = <-late
	require.False(t, open)
	bus.Publish(Event{Kind: EventLog})
}

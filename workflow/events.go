package workflow

import (
	"sync"
	"sync/atomic"
	"time"
)

// LogType classifies a log entry for display
type LogType string

const (
	LogInfo    LogType = "info"
	LogSuccess LogType = "success"
	LogError   LogType = "error"
	LogRunning LogType = "running"
	LogWarning LogType = "warning"
)

// LogEntry is a human-readable progress message
type LogEntry struct {
	Time    time.Time `json:"time"`
	Type    LogType   `json:"type"`
	Message string    `json:"message"`
}

// EventKind identifies the payload carried by an Event
type EventKind string

const (
	EventLog  EventKind = "log"
	EventNode EventKind = "node"
	EventLoop EventKind = "loop"
	EventRun  EventKind = "run"
)

// Event is a progress notification. Exactly one payload is set, matching Kind.
type Event struct {
	Kind  EventKind     `json:"kind"`
	RunID string        `json:"run_id"`
	Time  time.Time     `json:"time"`
	Log   *LogEntry     `json:"log,omitempty"`
	Node  *NodeSnapshot `json:"node,omitempty"`
	Loop  *LoopSnapshot `json:"loop,omitempty"`
	Run   *RunSnapshot  `json:"run,omitempty"`
}

// EventBus fans events out to subscribers. Publish never blocks: an event
// that does not fit a subscriber's buffer is dropped for that subscriber.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	closed  bool
	dropped atomic.Int64
	onDrop  func()
}

// NewEventBus creates an empty bus. onDrop may be nil.
func NewEventBus(onDrop func()) *EventBus {
	return &EventBus{subs: make(map[uint64]chan Event), onDrop: onDrop}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel function unsubscribes and closes the channel; it is idempotent.
// Subscribing to a closed bus returns an already closed channel.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers the event to every subscriber that has room
func (b *EventBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

// Dropped returns how many deliveries were dropped
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *EventBus) Close() {
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

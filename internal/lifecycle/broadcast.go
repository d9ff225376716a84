package lifecycle

import (
	"log/slog"
	"sync"
)

// DefaultSubscriberCapacity is the per-subscriber buffer size used when a
// capacity is not explicitly provided to NewBus. It matches the 1024-event
// lag threshold from SPEC_FULL.md §5.
const DefaultSubscriberCapacity = 1024

// Bus is a many-producer, many-subscriber lossy broadcast of
// ProcessLifecycleEvent values. It stands in for the original
// implementation's tokio::sync::broadcast channel: every subscriber gets its
// own buffered channel, and a Publish that would block a lagging subscriber
// drops the event for that subscriber instead, following the same
// non-blocking-send-or-drop discipline as the teacher's
// ProcessWatcher.emit / NetworkWatcher event delivery.
//
// Bus is safe for concurrent use.
type Bus struct {
	capacity int
	logger   *slog.Logger

	mu   sync.RWMutex
	subs map[int]chan ProcessLifecycleEvent
	next int
	done bool
}

// NewBus constructs a Bus with the given per-subscriber capacity. A capacity
// of 0 or less uses DefaultSubscriberCapacity. If logger is nil,
// slog.Default() is used.
func NewBus(capacity int, logger *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultSubscriberCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		capacity: capacity,
		logger:   logger,
		subs:     make(map[int]chan ProcessLifecycleEvent),
	}
}

// Subscribe registers a new subscriber and returns a read-only channel and a
// cancel function. The cancel function must be called when the subscriber is
// done reading to release the channel; it is idempotent.
func (b *Bus) Subscribe() (<-chan ProcessLifecycleEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan ProcessLifecycleEvent, b.capacity)
	if b.done {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Publish delivers evt to every current subscriber without blocking. A
// subscriber whose buffer is full does not receive evt; the drop is logged
// at warn level, matching spec.md §5's "lossy broadcast... MAY miss events"
// contract.
func (b *Bus) Publish(evt ProcessLifecycleEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.logger.Warn("lifecycle bus: subscriber lagging, dropping event",
				slog.Int("subscriber", id),
				slog.String("kind", evt.Kind.String()),
				slog.Any("pid", evt.Pid),
			)
		}
	}
}

// Close closes every subscriber channel and marks the bus as done; any
// subsequent Subscribe call returns an already-closed channel. Close is
// idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

package relay

import (
	"io"
	"sync"

	"go.uber.org/zap"
)

// Subscriber is a registered real-time consumer of broadcast events.
// Implementations must not block in Send; delivery is best effort and a
// subscriber that cannot keep up reports an error instead of stalling the
// pipeline.
type Subscriber interface {
	ID() string
	Send(data []byte) error
}

// Broadcaster fans accepted readings and alarm events out to every
// registered subscriber
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber

	store   *StateStore
	alarm   *Alarm
	metrics *Metrics
	logger  *zap.SugaredLogger
}

// NewBroadcaster creates a new Broadcaster
func NewBroadcaster(store *StateStore, alarm *Alarm, metrics *Metrics, logger *zap.SugaredLogger) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]Subscriber),
		store:       store,
		alarm:       alarm,
		metrics:     metrics,
		logger:      logger,
	}
}

// Register adds a subscriber and immediately pushes it the current reading
// and, if the alarm is active, an alert notice. The write lock is held across
// the push so no concurrent broadcast reaches the subscriber before its
// snapshot.
func (b *Broadcaster) Register(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[sub.ID()] = sub
	b.metrics.Subscribers.Set(float64(len(b.subscribers)))

	b.push(sub, UpdateEvent(b.store.Current()))
	if active, last := b.alarm.Status(); active {
		b.push(sub, AlertNoticeEvent(last, b.alarm.Threshold()))
	}

	b.logger.Infow("Broadcaster: subscriber registered", "id", sub.ID(), "total", len(b.subscribers))
}

// Deregister removes a subscriber. Unknown identifiers are ignored, so a
// subscriber may deregister itself more than once while tearing down.
func (b *Broadcaster) Deregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[id]; !ok {
		return
	}

	delete(b.subscribers, id)
	b.metrics.Subscribers.Set(float64(len(b.subscribers)))
	b.logger.Infow("Broadcaster: subscriber removed", "id", id, "total", len(b.subscribers))
}

// Broadcast encodes the event once and pushes it to every registered
// subscriber. Delivery failures are isolated per subscriber and never abort
// the iteration.
func (b *Broadcaster) Broadcast(event Event) {
	data, err := event.Encode()
	if err != nil {
		b.logger.Errorw("Broadcaster: encode failed", "event", event.Name, "error", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		b.deliver(sub, event.Name, data)
	}
}

// Count returns the number of registered subscribers
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subscribers)
}

// Shutdown disconnects and removes every subscriber
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		if closer, ok := sub.(io.Closer); ok {
			closer.Close()
		}
		delete(b.subscribers, id)
	}
	b.metrics.Subscribers.Set(0)

	b.logger.Info("Broadcaster: shutdown OK")
}

// push encodes and delivers a single event to a single subscriber
func (b *Broadcaster) push(sub Subscriber, event Event) {
	data, err := event.Encode()
	if err != nil {
		b.logger.Errorw("Broadcaster: encode failed", "event", event.Name, "error", err)
		return
	}

	b.deliver(sub, event.Name, data)
}

// deliver hands encoded bytes to one subscriber
func (b *Broadcaster) deliver(sub Subscriber, name string, data []byte) {
	if err := sub.Send(data); err != nil {
		b.metrics.EventsDropped.Inc()
		b.logger.Warnw("Broadcaster: delivery failed", "id", sub.ID(), "event", name, "error", err)
	}
}

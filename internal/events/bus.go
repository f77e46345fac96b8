// Package events provides the in-process event bus distributing
// real-time updates to SSE and WebSocket subscribers.
package events

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"komorebi/internal/logging"
	"komorebi/pkg/types"
)

// DefaultSubscriberBuffer bounds each subscriber's queue.
const DefaultSubscriberBuffer = 100

// Bus manages event distribution using a pub/sub pattern. Each
// subscriber owns a bounded buffer; a slow subscriber loses its oldest
// events and receives an events.dropped marker in their place.
type Bus struct {
	subscribers map[string]*Subscription
	logger      logging.Logger
	mu          sync.RWMutex
	closed      bool

	published int64
	dropped   int64
}

// Subscription is one subscriber's view of the bus
type Subscription struct {
	ID        string
	CreatedAt time.Time

	bus *Bus
	ch  chan *types.ChunkEvent

	mu     sync.Mutex
	closed bool
}

// NewBus creates an event bus
func NewBus(logger logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bus{
		subscribers: make(map[string]*Subscription),
		logger:      logger.WithComponent("events"),
	}
}

// Subscribe registers a new subscriber with the given buffer size.
// The subscription must be closed to release its buffer.
func (b *Bus) Subscribe(buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("event bus closed")
	}

	sub := &Subscription{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		bus:       b,
		ch:        make(chan *types.ChunkEvent, buffer),
	}
	b.subscribers[sub.ID] = sub
	b.logger.Debug("subscriber added", "subscription_id", sub.ID, "buffer", buffer)
	return sub, nil
}

// Publish delivers the event to every live subscriber in publish order.
// Publishing never blocks: full subscribers drop their oldest event.
func (b *Bus) Publish(event *types.ChunkEvent) {
	if event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return
	}

	for _, sub := range subs {
		sub.deliver(event)
	}

	b.mu.Lock()
	b.published++
	b.mu.Unlock()
}

// Stats returns published and dropped counters
func (b *Bus) Stats() (published, dropped int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.published, b.dropped
}

// SubscriberCount returns the number of live subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close terminates the bus and all subscriptions
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.closeChannel()
	}
	b.logger.Info("event bus closed", "subscribers", len(subs))
}

// Events returns the subscriber's channel. The channel closes when the
// subscription or the bus is closed.
func (s *Subscription) Events() <-chan *types.ChunkEvent {
	return s.ch
}

// Close removes the subscription from the bus and releases its buffer
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subscribers, s.ID)
	s.bus.mu.Unlock()
	s.closeChannel()
}

func (s *Subscription) closeChannel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// deliver enqueues the event. On overflow it evicts the two oldest
// entries and enqueues a dropped marker ahead of the event, so the
// loss is visible in the buffer immediately rather than on the next
// publish.
func (s *Subscription) deliver(event *types.ChunkEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- event:
		return
	default:
	}

	// Buffer full: make room for both the marker and the event. An
	// evicted marker is not counted again.
	for i := 0; i < 2; i++ {
		select {
		case old := <-s.ch:
			if old.Type != types.EventDropped {
				s.bus.mu.Lock()
				s.bus.dropped++
				s.bus.mu.Unlock()
			}
		default:
		}
	}

	select {
	case s.ch <- types.NewEvent(types.EventDropped):
	default:
	}
	select {
	case s.ch <- event:
	default:
	}
}

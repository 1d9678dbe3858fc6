package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing events rather than slowing the
// publisher down.
const DefaultBuffer = 100

// SubscriptionID identifies one subscription for later removal.
type SubscriptionID string

// subscription binds a handler to a delivery channel and type filter.
type subscription struct {
	id      SubscriptionID
	types   map[EventType]bool // empty means all types
	handler func(Event)
	ch      chan Event
	done    chan struct{}
}

func (s *subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Broadcaster is a thread-safe fan-out for events. Publish never blocks:
// each subscriber has a bounded buffer, and when a subscriber's buffer is
// full the event is dropped for that subscriber only. There is no replay;
// subscribers see only events published while they are attached.
type Broadcaster struct {
	mu         sync.RWMutex
	subs       map[SubscriptionID]*subscription
	subCounter uint64

	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Uint64
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[SubscriptionID]*subscription),
	}
}

// Subscribe registers a handler for the given event types. With no types
// the handler receives every event. The handler runs on a dedicated
// goroutine; it may block without affecting publishers, at the cost of
// dropped events once its buffer fills.
func (b *Broadcaster) Subscribe(handler func(Event), types ...EventType) SubscriptionID {
	if b.closed.Load() {
		return ""
	}

	filter := make(map[EventType]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}

	sub := &subscription{
		types:   filter,
		handler: handler,
		ch:      make(chan Event, DefaultBuffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subCounter++
	sub.id = SubscriptionID(fmt.Sprintf("sub_%d", b.subCounter))
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.deliver(sub)

	return sub.id
}

// deliver drains one subscription's channel into its handler.
func (b *Broadcaster) deliver(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case event := <-sub.ch:
			sub.handler(event)
		case <-sub.done:
			return
		}
	}
}

// Unsubscribe removes a subscription. Unknown ids are an error.
func (b *Broadcaster) Unsubscribe(id SubscriptionID) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("subscription %s not found", id)
	}
	close(sub.done)
	return nil
}

// Publish delivers the event to every subscriber whose filter matches.
// It never blocks and never fails on a slow subscriber.
func (b *Broadcaster) Publish(event Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the total number of events dropped due to full
// subscriber buffers since the broadcaster was created.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Close detaches all subscribers and stops their delivery goroutines.
// Publish becomes a no-op after Close.
func (b *Broadcaster) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("broadcaster already closed")
	}

	b.mu.Lock()
	for id, sub := range b.subs {
		close(sub.done)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

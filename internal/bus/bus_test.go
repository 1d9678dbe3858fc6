package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector gathers delivered events for assertions.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPublishToWildcardSubscriber(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	c := &collector{}
	b.Subscribe(c.handle)

	b.Publish(NewEvent(EventTaskStart))
	b.Publish(NewEvent(EventTaskComplete))

	waitFor(t, func() bool { return c.len() == 2 })
}

func TestTypeFilteringAtDelivery(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	progress := &collector{}
	all := &collector{}
	b.Subscribe(progress.handle, EventTaskProgress)
	b.Subscribe(all.handle)

	b.Publish(NewEvent(EventTaskStart))
	b.Publish(NewEvent(EventTaskProgress))
	b.Publish(NewEvent(EventTaskComplete))

	waitFor(t, func() bool { return all.len() == 3 })
	waitFor(t, func() bool { return progress.len() == 1 })
	assert.Equal(t, EventTaskProgress, progress.snapshot()[0].Type)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	c := &collector{}
	id := b.Subscribe(c.handle)

	b.Publish(NewEvent(EventTaskStart))
	waitFor(t, func() bool { return c.len() == 1 })

	require.NoError(t, b.Unsubscribe(id))
	b.Publish(NewEvent(EventTaskStart))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.len())
}

func TestUnsubscribeUnknownID(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	assert.Error(t, b.Unsubscribe("sub_999"))
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	block := make(chan struct{})
	b.Subscribe(func(Event) { <-block })

	// Saturate the subscriber's buffer and keep publishing. Publish must
	// return promptly every time.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < DefaultBuffer*3; i++ {
			b.Publish(NewEvent(EventTaskProgress))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.Greater(t, b.Dropped(), uint64(0))
	close(block)
}

func TestOverflowIsolatedPerSubscriber(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	block := make(chan struct{})
	defer close(block)
	b.Subscribe(func(Event) { <-block }) // never drains

	healthy := &collector{}
	b.Subscribe(healthy.handle)

	// Stay within the healthy subscriber's buffer so nothing is dropped
	// for it even if delivery lags the publish loop.
	for i := 0; i < DefaultBuffer; i++ {
		b.Publish(NewEvent(EventTaskProgress))
	}

	// The healthy subscriber still receives everything.
	waitFor(t, func() bool { return healthy.len() == DefaultBuffer })
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	b := NewBroadcaster()
	c := &collector{}
	b.Subscribe(c.handle)

	require.NoError(t, b.Close())
	assert.Error(t, b.Close())

	b.Publish(NewEvent(EventTaskStart))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.len())
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestEventIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		e := NewEvent(EventTaskProgress)
		assert.False(t, seen[e.ID], "duplicate event id %s", e.ID)
		seen[e.ID] = true
	}
}

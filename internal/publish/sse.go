package publish

import (
	"sync"

	"github.com/clsferguson/proximeter/internal/metrics"
	"github.com/clsferguson/proximeter/internal/types"
)

// DefaultSubscriberBuffer is the per-subscriber event buffer.
const DefaultSubscriberBuffer = 64

// Broadcaster fans score events out to live subscribers. Each subscriber
// owns an independent bounded channel; when it fills, the oldest buffered
// event is discarded so publishing never blocks and a slow consumer only
// hurts itself.
type Broadcaster struct {
	met *metrics.Collector

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan types.ScoreEvent
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(met *metrics.Collector) *Broadcaster {
	return &Broadcaster{
		met:  met,
		subs: make(map[uint64]chan types.ScoreEvent),
	}
}

// Subscribe registers a consumer and returns its id and event channel.
func (b *Broadcaster) Subscribe(buffer int) (uint64, <-chan types.ScoreEvent) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan types.ScoreEvent, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	n := len(b.subs)
	b.mu.Unlock()

	b.met.SSESubscribers.Set(float64(n))
	return id, ch
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Broadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	n := len(b.subs)
	b.mu.Unlock()

	if ok {
		close(ch)
	}
	b.met.SSESubscribers.Set(float64(n))
}

// Broadcast hands ev to every subscriber without blocking. A full buffer
// sheds its oldest event to make room.
func (b *Broadcaster) Broadcast(ev types.ScoreEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// Buffer full: pop the oldest, then retry once. Both ends are
		// non-blocking, so a racing consumer at worst leaves room.
		select {
		case <-ch:
			b.met.EventsDropped.WithLabelValues("sse").Inc()
		default:
		}
		select {
		case ch <- ev:
		default:
			b.met.EventsDropped.WithLabelValues("sse").Inc()
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close shuts every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

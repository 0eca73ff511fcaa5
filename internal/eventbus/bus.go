// Package eventbus provides the in-process publish/subscribe channel that
// streams session lifecycle events to observers.
package eventbus

import (
	"sync"

	"github.com/varenne/stagehand/pkg/api"
)

// DefaultQueueSize is the per-subscriber buffer used when none is given.
const DefaultQueueSize = 256

// Bus fans out events to subscribers over bounded per-subscriber queues.
//
// Publish never blocks on a slow subscriber: when a subscriber's queue is
// full, its oldest buffered event is dropped to make room, so a stalled
// consumer never stalls the pipeline. Events for one session are published
// from a single goroutine and delivered to each subscriber in publish order;
// no cross-session ordering is guaranteed.
type Bus struct {
	mu        sync.Mutex
	subs      map[int]*subscriber
	nextID    int
	queueSize int
}

type subscriber struct {
	sessionID string // "" subscribes to all sessions
	ch        chan api.Event
}

// New creates a Bus with the given per-subscriber queue size.
// size <= 0 uses DefaultQueueSize.
func New(size int) *Bus {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[int]*subscriber),
		queueSize: size,
	}
}

// Subscribe attaches a subscriber. sessionID filters delivery to one
// session; "" receives events for all sessions. The returned function
// detaches the subscriber and closes the channel; buffered events remain
// readable after close.
func (b *Bus) Subscribe(sessionID string) (<-chan api.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	sub := &subscriber{
		sessionID: sessionID,
		ch:        make(chan api.Event, b.queueSize),
	}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; !ok {
			return
		}
		delete(b.subs, id)
		close(sub.ch)
	}

	return sub.ch, cancel
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Bus) Publish(ev api.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}

		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// Queue full: drop the oldest buffered event, then deliver.
		// The subscriber may have drained concurrently, so both selects
		// stay non-blocking.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

package gate

import (
	"sync"

	"github.com/google/uuid"
)

// Broadcast is a latest-value fan-out. Each subscriber channel holds at most
// one pending value; a slow subscriber sees only the newest one.
//
// Publish always notifies, even when the value equals the previous one.
type Broadcast[T any] struct {
	mu     sync.Mutex
	subs   map[string]chan T
	latest T
	has    bool
	closed bool
}

// NewBroadcast returns an empty broadcast.
func NewBroadcast[T any]() *Broadcast[T] {
	return &Broadcast[T]{subs: make(map[string]chan T)}
}

// NewBroadcastWith returns a broadcast whose latest value is initial.
func NewBroadcastWith[T any](initial T) *Broadcast[T] {
	b := NewBroadcast[T]()
	b.latest, b.has = initial, true
	return b
}

// Subscribe registers a subscriber. With replay set the current value, if
// any, is waiting on the channel when Subscribe returns. Subscribing to a
// closed broadcast yields a closed channel.
func (b *Broadcast[T]) Subscribe(replay bool) (string, <-chan T) {
	id := uuid.NewString()
	ch := make(chan T, 1)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	if replay && b.has {
		ch <- b.latest
	}
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcast[T]) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Latest returns the most recently published value.
func (b *Broadcast[T]) Latest() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.has
}

// Publish records v and offers it to every subscriber, replacing any value
// the subscriber has not read yet.
func (b *Broadcast[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.latest, b.has = v, true
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		// only Publish sends, under b.mu, so the slot is free here
		ch <- v
	}
}

// Subscribers returns the number of live subscribers.
func (b *Broadcast[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broadcast[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

package route

import (
	"strconv"
	"sync"
)

// fakeSource is a minimal latest-value source with conflating channels.
type fakeSource[T any] struct {
	mu     sync.Mutex
	next   int
	subs   map[string]chan T
	latest T
	has    bool
}

func newFakeSource[T any]() *fakeSource[T] {
	return &fakeSource[T]{subs: make(map[string]chan T)}
}

func (s *fakeSource[T]) Subscribe(replay bool) (string, <-chan T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := strconv.Itoa(s.next)
	ch := make(chan T, 1)
	if replay && s.has {
		ch <- s.latest
	}
	s.subs[id] = ch
	return id, ch
}

func (s *fakeSource[T]) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

func (s *fakeSource[T]) Latest() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.has
}

func (s *fakeSource[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest, s.has = v, true
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

func (s *fakeSource[T]) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Package observer is a typed list of callbacks with disposer-returning
// registration.
package observer

import (
	"sync"
	"sync/atomic"
)

type entry[T any] struct {
	fn     func(T)
	active atomic.Bool
}

// List is safe for concurrent use. The zero value is ready.
type List[T any] struct {
	mu   sync.Mutex
	list []*entry[T]
}

// Add registers fn and returns its disposer. Disposing more than once is
// harmless; fn is not called by any Emit that starts after disposal.
func (s *List[T]) Add(fn func(T)) func() {
	sub := &entry[T]{fn: fn}
	sub.active.Store(true)
	s.mu.Lock()
	s.list = append(s.list, sub)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, other := range s.list {
				if other == sub {
					s.list = append(s.list[:i:i], s.list[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit calls every active callback in registration order on the calling
// goroutine.
func (s *List[T]) Emit(v T) {
	s.mu.Lock()
	list := s.list
	s.mu.Unlock()
	for _, sub := range list {
		if sub.active.Load() {
			sub.fn(v)
		}
	}
}

func (s *List[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

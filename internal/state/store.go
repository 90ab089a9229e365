// Package state provides small observable value stores. Each client
// instance owns its own stores (auth, ui, route) and passes them to the
// components that need them; there are no package-level singletons.
package state

import "sync"

// Store holds a value of type T and notifies observers when it changes.
// Observers run synchronously on the goroutine that performed the change,
// outside the store's lock, so an observer may read or write the store.
type Store[T any] struct {
	mu        sync.Mutex
	value     T
	equal     func(a, b T) bool
	observers map[int]func(T)
	order     []int
	nextID    int
}

// New returns a Store holding initial. Without an equality function every
// Set notifies observers.
func New[T any](initial T) *Store[T] {
	return &Store[T]{
		value:     initial,
		observers: make(map[int]func(T)),
	}
}

// NewComparable returns a Store that suppresses notifications when the new
// value equals the current one.
func NewComparable[T comparable](initial T) *Store[T] {
	s := New(initial)
	s.equal = func(a, b T) bool { return a == b }
	return s
}

// Get returns the current value.
func (s *Store[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set replaces the value and notifies observers.
func (s *Store[T]) Set(v T) {
	s.Update(func(T) T { return v })
}

// Update applies fn to the current value under the store lock and notifies
// observers with the result.
func (s *Store[T]) Update(fn func(T) T) {
	s.mu.Lock()
	old := s.value
	next := fn(old)
	if s.equal != nil && s.equal(old, next) {
		s.mu.Unlock()
		return
	}
	s.value = next
	observers := s.snapshotLocked()
	s.mu.Unlock()

	for _, o := range observers {
		o(next)
	}
}

// Subscribe registers fn to be called after every change. The returned
// cancel function removes the observer and may be called more than once.
func (s *Store[T]) Subscribe(fn func(T)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.order = append(s.order, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.observers, id)
			for i, oid := range s.order {
				if oid == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Observers returns the number of registered observers.
func (s *Store[T]) Observers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

func (s *Store[T]) snapshotLocked() []func(T) {
	out := make([]func(T), 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.observers[id])
	}
	return out
}

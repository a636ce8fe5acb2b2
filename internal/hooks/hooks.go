// Package hooks is a small typed publish/subscribe registry. Every
// subscription returns its own unsubscribe func, so a component that
// re-subscribes never silently replaces someone else's callback.
package hooks

import (
	"sync"
)

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Registry holds subscribers for events of type T. The zero value is ready
// to use.
type Registry[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []entry[T]
}

// Subscribe registers fn and returns a func that removes it. Calling the
// returned func more than once is harmless.
func (r *Registry[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.entries = append(r.entries, entry[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

// Emit calls every subscriber in subscription order. Subscribers run
// outside the registry lock and may subscribe or unsubscribe.
func (r *Registry[T]) Emit(v T) {
	r.mu.Lock()
	fns := make([]func(T), len(r.entries))
	for i, e := range r.entries {
		fns[i] = e.fn
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of live subscribers.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

package messaging

import (
	"slices"
	stdsync "sync"
)

// Subscription is a handle on a registered callback.
type Subscription struct {
	once   stdsync.Once
	cancel func()
}

// Close unregisters the callback. Safe to call more than once and on nil.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

type registry[T any] struct {
	mu   stdsync.Mutex
	next int
	fns  map[int]func(T)
}

func (r *registry[T]) add(fn func(T)) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fns == nil {
		r.fns = make(map[int]func(T))
	}
	id := r.next
	r.next++
	r.fns[id] = fn
	return id
}

func (r *registry[T]) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fns, id)
}

// emit calls every callback outside the lock, in registration order.
func (r *registry[T]) emit(v T) {
	r.mu.Lock()
	ids := make([]int, 0, len(r.fns))
	for id := range r.fns {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)
	for _, id := range ids {
		r.mu.Lock()
		fn, ok := r.fns[id]
		r.mu.Unlock()
		if ok {
			fn(v)
		}
	}
}

package bus

import (
	"context"
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*Subscription
	next int
}

// Subscription is a scoped listener. C receives matching events until Close.
type Subscription struct {
	C <-chan Event

	ch        chan Event
	done      chan struct{}
	namespace string
	lossless  bool
	id        int
	bus       *Bus
	once      sync.Once
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
// Slow subscribers lose events rather than block the publisher.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
}

// PublishWait is Publish for events that must not be lost. Lossless
// subscribers are waited on until they take the event, close, or ctx ends;
// everyone else still gets drop-on-full delivery.
func (b *Bus) PublishWait(ctx context.Context, evt Event) error {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	var waiters []*Subscription
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		if sub.lossless {
			waiters = append(waiters, sub)
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
	b.mu.RUnlock()

	// Sent outside the lock so a blocked publisher never holds up Close.
	for _, sub := range waiters {
		select {
		case sub.ch <- evt:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a listener for events whose kind starts with namespace.
// bufSize controls the channel buffer. The caller must Close the subscription.
func (b *Bus) Subscribe(namespace string, bufSize int) *Subscription {
	return b.subscribe(namespace, bufSize, false)
}

// SubscribeLossless is Subscribe for a consumer that PublishWait must wait
// on instead of dropping events when its buffer is full.
func (b *Bus) SubscribeLossless(namespace string, bufSize int) *Subscription {
	return b.subscribe(namespace, bufSize, true)
}

func (b *Bus) subscribe(namespace string, bufSize int, lossless bool) *Subscription {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	sub := &Subscription{
		C:         ch,
		ch:        ch,
		done:      make(chan struct{}),
		namespace: namespace,
		lossless:  lossless,
		id:        id,
		bus:       b,
	}
	b.subs[id] = sub
	b.mu.Unlock()
	return sub
}

// Close detaches the subscription. Safe to call more than once and on nil.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.done)
	})
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

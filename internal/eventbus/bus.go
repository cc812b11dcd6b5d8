// Package eventbus provides a typed publish/subscribe primitive. Each event
// name is a distinct [Topic] with its own payload type, so payload shapes are
// checked at compile time rather than flowing through string-keyed emitters
// with untyped arguments.
//
// Delivery is synchronous and in subscription order, matching the
// application's single-threaded event-driven model: handlers run on the
// publisher's goroutine and must not block.
package eventbus

import "sync"

// Subscription identifies a registered handler so it can be removed.
type Subscription struct {
	id int
}

type entry[T any] struct {
	id int
	fn func(T)
}

// Topic is a single event stream with payload type T. The zero value is
// ready to use. Safe for concurrent use.
type Topic[T any] struct {
	mu   sync.Mutex
	subs []entry[T]
	next int
}

// Subscribe registers fn for every future Publish and returns a token for
// Unsubscribe.
func (t *Topic[T]) Subscribe(fn func(T)) Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.subs = append(t.subs, entry[T]{id: t.next, fn: fn})
	return Subscription{id: t.next}
}

// Unsubscribe removes a previously registered handler. Unknown or already
// removed subscriptions are ignored.
func (t *Topic[T]) Unsubscribe(sub Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.subs {
		if e.id == sub.id {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers v to every subscriber in subscription order. The handler
// list is snapshotted first, so a handler may subscribe or unsubscribe
// without deadlocking.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	snapshot := make([]entry[T], len(t.subs))
	copy(snapshot, t.subs)
	t.mu.Unlock()

	for _, e := range snapshot {
		e.fn(v)
	}
}

// Len returns the current subscriber count.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

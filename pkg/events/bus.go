// Package events provides the process-wide publish/subscribe buses that
// connect the mealsync engine's components: realtime frames relayed
// from the push stream, and auth failures raised by the connectivity
// monitor or the stream manager.
//
// Delivery is synchronous and unbuffered: Publish calls every handler
// registered at that moment before returning, and a handler registered
// afterwards never sees that emission.
package events

import (
	"encoding/json"
	"sync"

	"github.com/tablewise/mealsync/pkg/errors"
)

// Message is a realtime frame relayed from the push stream.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AuthFailure signals that the server rejected our credentials and the
// user must re-authenticate.
type AuthFailure struct {
	Reason errors.AuthReason `json:"reason"`
}

// subscription pairs a handler with its registration order so delivery
// is deterministic.
type subscription[T any] struct {
	id int
	fn func(T)
}

// Bus fans events out to subscribers synchronously.
type Bus[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   []subscription[T]
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe registers a handler and returns its unsubscribe function.
// Unsubscribing twice is a no-op.
func (b *Bus[T]) Subscribe(fn func(T)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription[T]{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to every handler registered at call time,
// in registration order.
func (b *Bus[T]) Publish(event T) {
	b.mu.Lock()
	subs := make([]subscription[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	// Handlers run outside the lock so they may subscribe/unsubscribe.
	for _, sub := range subs {
		sub.fn(event)
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Buses bundles the engine's process-wide buses. Construct one per
// engine and inject it; there is no package-level instance.
type Buses struct {
	// Realtime carries {type, payload} frames from the push stream.
	Realtime *Bus[Message]

	// AuthFailures carries access-denied notifications.
	AuthFailures *Bus[AuthFailure]
}

// NewBuses creates the engine's bus set.
func NewBuses() *Buses {
	return &Buses{
		Realtime:     NewBus[Message](),
		AuthFailures: NewBus[AuthFailure](),
	}
}

// Package event provides the in-process publish/subscribe bus that notifies
// observers of cache mutations and queue drains.
//
// Topics form a closed set: the only values of type Topic are the ones
// declared in this package, each bound to its payload type, so publishers
// and subscribers cannot drift apart on event names or argument shapes.
package event

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/offsync/internal/record"
)

// Topic names an event stream whose payloads have type T.
type Topic[T any] struct {
	name string
}

// Name returns the topic's wire name, used in logs.
func (t Topic[T]) Name() string { return t.name }

// ObjectChange is published after every Local Object Store mutation.
// Object is nil when the object was removed.
type ObjectChange struct {
	ID     string
	Object *record.StoredObject
}

// QueueDrain is published when a drain cycle executed at least one request.
// Published lists the executed requests in execution order.
type QueueDrain struct {
	Published []record.QueuedRequest
}

var (
	// ObjectChanged fires once per Put or Remove on the Local Object Store.
	ObjectChanged = Topic[ObjectChange]{name: "object-changed"}

	// QueueDrained fires at the end of a drain cycle that published requests.
	QueueDrained = Topic[QueueDrain]{name: "queue-drained"}
)

type subscription struct {
	id      uint64
	handler func(any)
}

// Bus is a synchronous in-process event bus.
//
// Handlers run on the publishing goroutine, in subscription order. A handler
// that panics is recovered and logged; the remaining handlers still run.
//
// Thread-safety: all methods are safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
	closed bool
	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for recovered handler panics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string][]subscription),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for topic and returns a function that removes
// it. Calling the returned function more than once is a no-op. Subscribing
// to a closed bus returns a no-op unsubscribe.
func Subscribe[T any](b *Bus, topic Topic[T], handler func(T)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	id := b.nextID
	b.subs[topic.name] = append(b.subs[topic.name], subscription{
		id:      id,
		handler: func(payload any) { handler(payload.(T)) },
	})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic.name, id) })
	}
}

// Publish delivers payload to every current subscriber of topic.
func Publish[T any](b *Bus, topic Topic[T], payload T) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	// Snapshot so handlers may subscribe or unsubscribe while we iterate.
	handlers := append([]subscription(nil), b.subs[topic.name]...)
	b.mu.RUnlock()

	for _, s := range handlers {
		b.deliver(topic.name, s, payload)
	}
}

func (b *Bus) deliver(topic string, s subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"topic", topic,
				"subscription", s.id,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	s.handler(payload)
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns the number of handlers registered for topic.
func SubscriberCount[T any](b *Bus, topic Topic[T]) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic.name])
}

// Close removes every subscriber. Later publishes are dropped and later
// subscriptions are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]subscription)
}

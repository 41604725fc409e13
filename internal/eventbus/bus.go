package eventbus

import (
	"log/slog"
	"sync"
)

// Topic names a channel and fixes its payload type.
type Topic[T any] struct {
	name string
}

func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

func (t Topic[T]) Name() string { return t.name }

type subscription struct {
	id      uint64
	handler func(any)
	mu      sync.Mutex
	active  bool
}

func (s *subscription) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Bus is an in-process publish/subscribe channel. Delivery is synchronous:
// Publish returns after every listener registered at emission time has run.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string][]*subscription
}

func New() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

// Subscribe registers fn for the topic. The returned func removes it; calling
// it more than once is harmless.
func Subscribe[T any](b *Bus, topic Topic[T], fn func(T)) func() {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{
		id:     b.nextID,
		active: true,
		handler: func(payload any) {
			fn(payload.(T))
		},
	}
	b.subs[topic.name] = append(b.subs[topic.name], sub)
	b.mu.Unlock()

	return func() {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
		b.remove(topic.name, sub.id)
	}
}

// Publish delivers payload to a snapshot of the topic's listeners in
// subscription order. A listener removed during the emission is skipped.
func Publish[T any](b *Bus, topic Topic[T], payload T) {
	b.mu.Lock()
	snapshot := make([]*subscription, len(b.subs[topic.name]))
	copy(snapshot, b.subs[topic.name])
	b.mu.Unlock()

	for _, sub := range snapshot {
		if !sub.isActive() {
			continue
		}
		deliver(topic.name, sub, payload)
	}
}

func deliver(topic string, sub *subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("eventbus: listener panicked", "topic", topic, "subscription", sub.id, "panic", r)
		}
	}()
	sub.handler(payload)
}

// Listeners reports how many listeners the named topic has.
func (b *Bus) Listeners(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

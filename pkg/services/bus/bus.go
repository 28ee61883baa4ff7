// Package bus is a small in-process publish/subscribe bus. Components take it
// as a dependency instead of reaching for a process-wide registry.
package bus

import (
	"sync"
	"time"
)

type Event struct {
	Topic       string
	Payload     any
	PublishedAt time.Time
}

type Handler func(Event)

type subscription struct {
	id      int64
	handler Handler
}

type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*subscription
	nextSubID     int64
}

func New() *Bus {
	return &Bus{subscriptions: make(map[string][]*subscription)}
}

// Subscribe registers handler for topic and returns a function that removes it.
func (b *Bus) Subscribe(topic string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{id: b.nextSubID, handler: handler}
	b.nextSubID++
	b.subscriptions[topic] = append(b.subscriptions[topic], sub)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(topic, sub.id) })
	}
}

func (b *Bus) unsubscribe(topic string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscriptions[topic]
	for i, sub := range subs {
		if sub.id == id {
			next := make([]*subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			b.subscriptions[topic] = next
			break
		}
	}
	if len(b.subscriptions[topic]) == 0 {
		delete(b.subscriptions, topic)
	}
}

// Publish delivers payload to every current subscriber of topic, synchronously
// and in subscription order. Handlers should be quick.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subscriptions[topic]))
	copy(subs, b.subscriptions[topic])
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}
	event := Event{Topic: topic, Payload: payload, PublishedAt: time.Now()}
	for _, sub := range subs {
		sub.handler(event)
	}
}

func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions[topic])
}

// Package broker implements the server-resident pub/sub registry: topic name
// → set of subscribers, each reachable through a push callback.
//
// The broker knows nothing about frames or connections; the server hands it
// a PushFunc per subscription and an owner key per connection so every
// subscription of a dropped connection can be removed at once.
package broker

import (
	"sync"
)

// PushFunc delivers one published payload to a subscriber. It is invoked on
// its own goroutine per delivery, so a slow subscriber cannot stall fan-out
// to the others.
type PushFunc func(topic string, payload []byte)

type subscriber struct {
	owner string
	push  PushFunc
}

// Broker is safe for concurrent subscribe/unsubscribe/publish.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[string]subscriber // topic → subscription id → subscriber
}

func New() *Broker {
	return &Broker{topics: make(map[string]map[string]subscriber)}
}

// Subscribe adds a subscription under the given id. owner identifies the
// connection the subscription belongs to.
func (b *Broker) Subscribe(topic, id, owner string, push PushFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]subscriber)
		b.topics[topic] = subs
	}
	subs[id] = subscriber{owner: owner, push: push}
}

// Unsubscribe removes one subscription. Unknown topic or id is a no-op.
func (b *Broker) Unsubscribe(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[topic]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

// DropOwner removes every subscription registered by the given owner.
// Called when a connection's read loop exits.
func (b *Broker) DropOwner(owner string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.topics {
		for id, sub := range subs {
			if sub.owner == owner {
				delete(subs, id)
			}
		}
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

// Publish fans payload out to every current subscriber of topic and returns
// the number of deliveries started. Each delivery runs on its own goroutine;
// fan-out is independent per subscriber.
func (b *Broker) Publish(topic string, payload []byte) int {
	b.mu.RLock()
	subs := make([]subscriber, 0, len(b.topics[topic]))
	for _, sub := range b.topics[topic] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		go sub.push(topic, payload)
	}
	return len(subs)
}

// Topics returns the names of all topics with at least one subscriber.
func (b *Broker) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.topics))
	for topic := range b.topics {
		names = append(names, topic)
	}
	return names
}

// SubscriberCount returns the number of subscriptions on topic; an unknown
// topic yields zero.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

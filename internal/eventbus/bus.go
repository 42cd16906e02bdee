// Package eventbus is the optional, non-durable fast path described in
// §4.G of the CDC design: a pure in-process publish/subscribe fan-out keyed
// by "collection.type" and "collection.id.type", with no persistence and no
// replay. The Document Store calls Publish synchronously from save/delete;
// it is a convenience for callers that don't need the durability the CDC
// engine (internal/cdc) provides.
package eventbus

import (
	"sort"
	"sync"
)

// Bus dispatches events to registered subscribers synchronously on the
// calling goroutine. There is no queue and no background worker: Publish
// returns only after every matching subscriber has run.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Subscriber // key -> subscribers, insertion order
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]Subscriber)}
}

// Subscribe registers sub under "collection.type". Returns an unsubscribe
// function that removes exactly this registration.
func (b *Bus) Subscribe(collection string, t MutationType, sub Subscriber) (unsubscribe func()) {
	return b.subscribeKey(collectionTypeKey(collection, t), sub)
}

// SubscribeDocument registers sub under "collection.id.type", firing only
// for mutations of one specific document.
func (b *Bus) SubscribeDocument(collection, id string, t MutationType, sub Subscriber) (unsubscribe func()) {
	return b.subscribeKey(collectionIDTypeKey(collection, id, t), sub)
}

func (b *Bus) subscribeKey(key string, sub Subscriber) func() {
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[key]
		for i, s := range list {
			if s.ID() == sub.ID() {
				b.subs[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[key]) == 0 {
			delete(b.subs, key)
		}
	}
}

// Publish fans event out to every subscriber registered on either of its
// two keys, collection-type subscribers before collection-id-type
// subscribers, each group in registration order. Publish is synchronous:
// a slow subscriber blocks the caller, exactly as spec'd ("Emitted
// synchronously from save/delete").
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	byType := append([]Subscriber(nil), b.subs[collectionTypeKey(event.Collection, event.Type)]...)
	byDoc := append([]Subscriber(nil), b.subs[collectionIDTypeKey(event.Collection, event.ID, event.Type)]...)
	b.mu.RUnlock()

	for _, s := range byType {
		s.Notify(event)
	}
	for _, s := range byDoc {
		s.Notify(event)
	}
}

// Subscribers returns the ids of every currently registered subscriber,
// sorted, for introspection/tests.
func (b *Bus) Subscribers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, list := range b.subs {
		for _, s := range list {
			seen[s.ID()] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

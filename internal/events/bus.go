package events

import (
	"sync"
)

// Bus is an in-process fan-out for envelopes. The websocket live stream and
// tests subscribe here; durable delivery goes through the outbox instead.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string][]chan *Envelope // eventType -> channels
	allSubs    []chan *Envelope
	bufferSize int
}

func NewBus() *Bus {
	return &Bus{
		subs:       make(map[string][]chan *Envelope),
		bufferSize: 100,
	}
}

// Subscribe returns a channel receiving events of the given types, or all
// events when no type is named.
func (b *Bus) Subscribe(eventTypes ...string) chan *Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Envelope, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subs[et] = append(b.subs[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subs {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subs[et] = filtered
	}

	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish delivers to all matching subscribers. Slow subscribers are
// skipped, never blocked on.
func (b *Bus) Publish(env *Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[env.EventType] {
		select {
		case ch <- env:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- env:
		default:
		}
	}
}

// SubscriberCount returns the total number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subs {
		count += len(subs)
	}
	return count
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package events carries channel lifecycle notifications between the relay
// components and the event feed.
package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventItemStarted    EventType = "item.started"
	EventItemStopped    EventType = "item.stopped"
	EventStreamOnline   EventType = "stream.online"
	EventStreamOffline  EventType = "stream.offline"
	EventStreamError    EventType = "stream.error"
	EventPlaylistLoaded EventType = "playlist.loaded"
	EventWatchers       EventType = "watchers"
	EventPushConnected  EventType = "push.connected"
	EventPushFailed     EventType = "push.failed"
	EventChannelUpdated EventType = "channel.updated"
	EventChannelRemoved EventType = "channel.removed"
)

// AllEventTypes lists the types forwarded by distributed buses and the event feed.
var AllEventTypes = []EventType{
	EventItemStarted,
	EventItemStopped,
	EventStreamOnline,
	EventStreamOffline,
	EventStreamError,
	EventPlaylistLoaded,
	EventWatchers,
	EventPushConnected,
	EventPushFailed,
	EventChannelUpdated,
	EventChannelRemoved,
}

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Publisher is implemented by the in-process bus and the distributed buses.
type Publisher interface {
	Publish(eventType EventType, payload Payload)
}

// Bus implements a simple in-process pubsub. Slow subscribers miss events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]Subscriber
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	return b.SubscribeMany(32, eventType)
}

// SubscribeMany registers one subscriber for several event types.
func (b *Bus) SubscribeMany(buffer int, types ...EventType) Subscriber {
	ch := make(Subscriber, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	for _, t := range types {
		b.subs[t] = append(b.subs[t], ch)
	}
	return ch
}

// Publish sends payload to subscribers.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[eventType] {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber from every type it was registered for
// and closes it.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	found := false
	for t, subs := range b.subs {
		for i, candidate := range subs {
			if candidate == sub {
				b.subs[t] = append(subs[:i:i], subs[i+1:]...)
				found = true
				break
			}
		}
	}
	if found {
		close(sub)
	}
}

// Close closes every subscriber. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[Subscriber]struct{})
	for _, subs := range b.subs {
		for _, sub := range subs {
			if _, ok := seen[sub]; ok {
				continue
			}
			seen[sub] = struct{}{}
			close(sub)
		}
	}
	b.subs = make(map[EventType][]Subscriber)
}

// Copyright 2025 Voxlane Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

package output

import "sync"

// OutputSubscriber receives events from an OutputEventStream. Handle must
// not return an error; a subscriber that cannot render an event drops it.
type OutputSubscriber interface {
	// Name returns a stable identifier for the subscriber.
	Name() string

	// ShouldHandle reports whether the subscriber wants this event.
	ShouldHandle(event OutputEvent) bool

	// Handle renders the event.
	Handle(event OutputEvent)
}

// OutputEventStream fans events out to its subscribers. Delivery is
// synchronous and in subscription order, so a command's output lines come
// out in the order they were emitted.
type OutputEventStream struct {
	mu          sync.RWMutex
	subscribers []OutputSubscriber
}

// NewOutputEventStream creates an empty stream.
func NewOutputEventStream() *OutputEventStream {
	return &OutputEventStream{}
}

// Subscribe attaches a subscriber. Subscribers added during a command run
// only see events emitted after subscription.
func (s *OutputEventStream) Subscribe(sub OutputSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, sub)
}

// SubscriberCount returns the number of attached subscribers.
func (s *OutputEventStream) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Emit delivers the event to every subscriber that wants it.
func (s *OutputEventStream) Emit(event OutputEvent) {
	s.mu.RLock()
	subs := make([]OutputSubscriber, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.RUnlock()

	for _, sub := range subs {
		if sub.ShouldHandle(event) {
			sub.Handle(event)
		}
	}
}

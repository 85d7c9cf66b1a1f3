/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

// Package events provides the subscription primitive shared by the kernel
// components. Each component declares its own typed event struct and embeds
// an Emitter for it; subscribers are plain callbacks held in an explicit
// list. Delivery is synchronous and in subscription order. A panicking
// subscriber never disturbs the publisher or the other subscribers.
package events

import "sync"

// Handler consumes one event. Handlers run on the publisher's goroutine;
// thread-safety of whatever they touch is their own responsibility.
type Handler[T any] func(T)

// Emitter fans events out to an explicit subscriber list.
// The zero value is ready to use.
type Emitter[T any] struct {
	mu   sync.RWMutex
	next int
	subs []subscription[T]
}

type subscription[T any] struct {
	id int
	fn Handler[T]
}

// Subscribe registers fn and returns a function that removes it again.
// Unsubscribing twice is harmless.
func (e *Emitter[T]) Subscribe(fn Handler[T]) (unsubscribe func()) {
	e.mu.Lock()
	id := e.next
	e.next++
	e.subs = append(e.subs, subscription[T]{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subs {
			if s.id == id {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers ev to every current subscriber in subscription order.
// Panics raised by a subscriber are swallowed.
func (e *Emitter[T]) Emit(ev T) {
	e.mu.RLock()
	subs := make([]subscription[T], len(e.subs))
	copy(subs, e.subs)
	e.mu.RUnlock()

	for _, s := range subs {
		deliver(s.fn, ev)
	}
}

// Len returns the number of active subscribers.
func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

func deliver[T any](fn Handler[T], ev T) {
	defer func() { _ = recover() }()
	fn(ev)
}

/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitDeliversInSubscriptionOrder(t *testing.T) {
	var e Emitter[int]
	var got []int

	e.Subscribe(func(v int) { got = append(got, v*10) })
	e.Subscribe(func(v int) { got = append(got, v*100) })

	e.Emit(1)
	e.Emit(2)

	assert.Equal(t, []int{10, 100, 20, 200}, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	var e Emitter[string]
	var got []string

	unsub := e.Subscribe(func(v string) { got = append(got, v) })
	e.Emit("a")
	unsub()
	e.Emit("b")
	unsub() // second call is a no-op

	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, 0, e.Len())
}

func TestPanickingSubscriberIsSwallowed(t *testing.T) {
	var e Emitter[int]
	var got []int

	e.Subscribe(func(int) { panic("listener bug") })
	e.Subscribe(func(v int) { got = append(got, v) })

	assert.NotPanics(t, func() { e.Emit(7) })
	assert.Equal(t, []int{7}, got)
}

func TestSubscribeDuringEmitDoesNotDeadlock(t *testing.T) {
	var e Emitter[int]
	fired := false

	e.Subscribe(func(int) {
		// Mutating the subscriber list from a handler must not deadlock:
		// Emit works on a snapshot.
		e.Subscribe(func(int) { fired = true })
	})

	e.Emit(1)
	assert.False(t, fired, "late subscriber must not see the event that registered it")
	e.Emit(2)
	assert.True(t, fired)
}

/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package a2a

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// rateLimiter implements per-client sliding-window limiting on task
// creation. A nil limiter allows everything; the gateway builds one only
// when RatePerMinute > 0.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string][]time.Time
	limit   int
	window  time.Duration
	clock   clock.Clock
}

func newRateLimiter(perMinute int, clk clock.Clock) *rateLimiter {
	return &rateLimiter{
		clients: make(map[string][]time.Time),
		limit:   perMinute,
		window:  time.Minute,
		clock:   clk,
	}
}

// allow reports whether the client identified by key may create a task now.
func (rl *rateLimiter) allow(key string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.clock.Now().Add(-rl.window)
	valid := rl.clients[key][:0]
	for _, t := range rl.clients[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) >= rl.limit {
		rl.clients[key] = valid
		return false
	}
	rl.clients[key] = append(valid, rl.clock.Now())
	return true
}

// clientKey identifies the caller for rate limiting: the bearer token when
// present, otherwise the first forwarded hop or the remote address.
func clientKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return "token:" + strings.TrimPrefix(auth, "Bearer ")
	}
	ip := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return "ip:" + ip
}

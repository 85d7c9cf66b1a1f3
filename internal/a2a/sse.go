/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package a2a

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// subscriberBuffer bounds how far a subscriber may lag before it is
// dropped. Updates are enqueued under the server mutex, so a full channel
// means a consumer that stopped reading.
const subscriberBuffer = 16

// subscriber is one attached SSE client. Lifecycle is guarded by the
// server mutex; close is idempotent through the closed flag.
type subscriber struct {
	ch     chan Task
	closed bool
}

func (sub *subscriber) close() {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	sseSubscribers.Dec()
}

// subscribe attaches a new subscriber to a task. The channel is primed with
// the current snapshot and closes after the terminal update, so a late
// subscriber to a finished task still sees exactly one frame.
func (s *Server) subscribe(id string) (<-chan Task, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.tasks[id]
	if !ok {
		return nil, nil, ErrTaskNotFound
	}

	sub := &subscriber{ch: make(chan Task, subscriberBuffer)}
	sub.ch <- cloneTask(ts.task)
	if ts.task.Status.Terminal() {
		sub.closed = true
		close(sub.ch)
		return sub.ch, func() {}, nil
	}

	sseSubscribers.Inc()
	ts.subs = append(ts.subs, sub)
	unsub := func() { s.dropSubscriber(id, sub) }
	return sub.ch, unsub, nil
}

func (s *Server) dropSubscriber(id string, sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tasks[id]
	if !ok {
		return
	}
	for i, x := range ts.subs {
		if x == sub {
			ts.subs = append(ts.subs[:i], ts.subs[i+1:]...)
			break
		}
	}
	sub.close()
}

// streamTask serves one SSE connection. Every task update becomes an
// `event: status` frame carrying the task JSON; the stream ends when the
// task reaches a terminal state or the client goes away.
func (s *Server) streamTask(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "server_error", "no_flusher")
		return
	}

	ch, unsub, err := s.subscribe(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found", "not_found_error", "task_not_found")
		return
	}
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(t)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package a2a

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-logr/logr"
)

// pushAttemptTimeout bounds one webhook delivery. Push is fire-and-forget:
// one attempt, no retries, failures only logged.
const pushAttemptTimeout = 5 * time.Second

// pushDelivery is one pending webhook call, captured under the server
// mutex and sent after it is released.
type pushDelivery struct {
	url  string
	task Task
}

type pusher struct {
	client *http.Client
	log    logr.Logger
}

func newPusher(log logr.Logger) *pusher {
	return &pusher{
		client: &http.Client{Timeout: pushAttemptTimeout},
		log:    log,
	}
}

// deliver fires every delivery on its own goroutine.
func (p *pusher) deliver(ds []pushDelivery) {
	for _, d := range ds {
		go p.send(d)
	}
}

func (p *pusher) send(d pushDelivery) {
	body, err := json.Marshal(d.task)
	if err != nil {
		pushDeliveries.WithLabelValues("error").Inc()
		return
	}
	resp, err := p.client.Post(d.url, "application/json", bytes.NewReader(body))
	if err != nil {
		p.log.V(1).Info("push delivery failed", "task", d.task.ID, "url", d.url, "error", err.Error())
		pushDeliveries.WithLabelValues("error").Inc()
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		p.log.V(1).Info("push delivery rejected", "task", d.task.ID, "url", d.url, "status", resp.StatusCode)
		pushDeliveries.WithLabelValues("rejected").Inc()
		return
	}
	pushDeliveries.WithLabelValues("ok").Inc()
}

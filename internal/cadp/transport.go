/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package cadp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// peerTimeout bounds every outbound peer call.
	peerTimeout = 10 * time.Second

	// maxBodyBytes caps inbound and outbound message bodies.
	maxBodyBytes = 10 << 20
)

func newPeerClient() *http.Client {
	return &http.Client{Timeout: peerTimeout}
}

// newMessage stamps a fresh envelope originating from this node.
func (f *Federation) newMessage(t MessageType, destination string, payload any) Message {
	msg := Message{
		Type:        t,
		ID:          "msg-" + uuid.NewString(),
		Source:      f.cfg.PeerID,
		Destination: destination,
		Timestamp:   f.clock.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			msg.Payload = raw
		}
	}
	return msg
}

func (f *Federation) errorMessage(destination, text string) Message {
	return f.newMessage(MsgError, destination, ErrorPayload{Message: text})
}

// call posts one message to a peer and decodes the single-message reply.
func (f *Federation) call(ctx context.Context, peerURL string, msg Message) (Message, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, peerTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL+"/cadp", bytes.NewReader(body))
	if err != nil {
		return Message{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		peerRequests.WithLabelValues("error").Inc()
		return Message{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		peerRequests.WithLabelValues("error").Inc()
		return Message{}, fmt.Errorf("peer returned status %d", resp.StatusCode)
	}

	var out Message
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&out); err != nil {
		peerRequests.WithLabelValues("error").Inc()
		return Message{}, fmt.Errorf("decode peer response: %w", err)
	}
	peerRequests.WithLabelValues("ok").Inc()
	return out, nil
}

// Handler exposes the mesh endpoint. Every message type arrives on the
// same POST route; the reply is always a single message envelope.
func (f *Federation) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/cadp", f.handleMessage).Methods(http.MethodPost)
	return otelhttp.NewHandler(r, "cadp")
}

func (f *Federation) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		writeMessage(w, http.StatusBadRequest, f.errorMessage("", "invalid message: "+err.Error()))
		return
	}
	messagesTotal.WithLabelValues(string(msg.Type)).Inc()

	var resp Message
	switch msg.Type {
	case MsgHealthCheck:
		resp = f.handleHealthCheck(msg)
	case MsgSyncRequest:
		resp = f.handleSyncRequest(msg)
	case MsgLookup:
		resp = f.handleLookup(msg)
	case MsgAnnounce:
		resp = f.handleAnnounce(msg)
	default:
		resp = f.errorMessage(msg.Source, fmt.Sprintf("unsupported message type %q", msg.Type))
	}
	writeMessage(w, http.StatusOK, resp)
}

// handleHealthCheck answers with this node's identity and registry shape.
// Health is answered for anyone, trusted or not.
func (f *Federation) handleHealthCheck(msg Message) Message {
	payload := HealthPayload{
		PeerID:       f.cfg.PeerID,
		PeerName:     f.cfg.PeerName,
		Capabilities: f.registry.Capabilities(),
		Records:      f.registry.Count(),
	}
	return f.newMessage(MsgHealthResponse, msg.Source, payload)
}

// handleSyncRequest merges the sender's records under the sender's trust
// level and answers with our own snapshot (unless sharing is off). Unknown
// senders are untrusted, so their records never land.
func (f *Federation) handleSyncRequest(msg Message) Message {
	var sp SyncPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &sp); err != nil {
			return f.errorMessage(msg.Source, "invalid sync payload: "+err.Error())
		}
	}

	trust, peerID := f.senderTrust(msg.Source)
	merged := f.mergeRecords(peerID, trust, sp.Records)

	f.mu.Lock()
	if p := f.findPeerLocked(msg.Source); p != nil {
		now := f.clock.Now()
		p.LastSyncAt = &now
	}
	f.totalSynced += merged
	f.mu.Unlock()
	syncedRecords.Add(float64(merged))

	var records []AgentDNSRecord
	if !f.cfg.DisableSharing {
		records = f.registry.All()
	}
	return f.newMessage(MsgSyncResponse, msg.Source, SyncPayload{Records: records})
}

// handleLookup answers from the local registry only. Forwarding is the
// caller's job; answering recursively would let lookups loop the mesh.
func (f *Federation) handleLookup(msg Message) Message {
	var lp LookupPayload
	if err := json.Unmarshal(msg.Payload, &lp); err != nil {
		return f.errorMessage(msg.Source, "invalid lookup payload: "+err.Error())
	}

	f.mu.Lock()
	f.lookupsServed++
	f.mu.Unlock()
	lookupsTotal.WithLabelValues("served").Inc()

	switch {
	case lp.AgentID != "":
		if rec, ok := f.registry.Lookup(lp.AgentID); ok {
			return f.newMessage(MsgLookupResponse, msg.Source, LookupResultPayload{Found: true, Record: &rec})
		}
		return f.newMessage(MsgLookupResponse, msg.Source, LookupResultPayload{Found: false})
	case lp.Capability != "":
		records := f.registry.ByCapability(lp.Capability)
		return f.newMessage(MsgLookupResponse, msg.Source, LookupResultPayload{Found: len(records) > 0, Records: records})
	default:
		return f.errorMessage(msg.Source, "lookup requires agentId or capability")
	}
}

// handleAnnounce merges a single pushed record under the sender's trust
// and acknowledges whether it was accepted.
func (f *Federation) handleAnnounce(msg Message) Message {
	var ap AnnouncePayload
	if err := json.Unmarshal(msg.Payload, &ap); err != nil {
		return f.errorMessage(msg.Source, "invalid announce payload: "+err.Error())
	}

	trust, peerID := f.senderTrust(msg.Source)
	merged := f.mergeRecords(peerID, trust, []AgentDNSRecord{ap.Record})
	return f.newMessage(MsgAnnounce, msg.Source, AnnounceAckPayload{Accepted: merged > 0})
}

// senderTrust resolves an inbound source id to a known peer's trust and
// local id. Unknown senders get untrusted, which merges nothing.
func (f *Federation) senderTrust(sourceID string) (TrustLevel, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p := f.findPeerLocked(sourceID); p != nil {
		return p.Trust, p.ID
	}
	return TrustUntrusted, sourceID
}

func writeMessage(w http.ResponseWriter, status int, msg Message) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(msg)
}

/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

// Package cadp implements the agent-discovery mesh: a local DNS-style
// registry of agent records plus a federation layer that swaps registry
// snapshots with peers, forwards lookups, and enforces per-peer trust.
//
// One mutex guards the peer table and counters; peer HTTP calls never run
// under it. The registry has its own locking. Trust is enforced at every
// merge point: records from untrusted peers are never written locally.
package cadp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// maxLookupCacheTTL caps the lease, in seconds, granted to records cached
// from a federated lookup. Remote leases may be longer; ours never are.
const maxLookupCacheTTL = 300

// Federation is the mesh node: local registry, peer set, sync loop.
type Federation struct {
	cfg      Config
	registry *Registry
	clock    clock.Clock
	log      logr.Logger
	client   *http.Client

	mu               sync.Mutex
	peers            map[string]*FederationPeer // keyed by local id
	order            []string                   // insertion order
	totalSynced      int
	lookupsServed    int
	lookupsForwarded int
	syncStop         chan struct{} // nil while the loop is stopped
}

// peerRef is the peer identity snapshot used for I/O outside the mutex.
type peerRef struct {
	id       string
	url      string
	sourceID string
}

// Option customizes a Federation.
type Option func(*Federation)

// WithClock substitutes the time source, used by tests.
func WithClock(c clock.Clock) Option {
	return func(f *Federation) { f.clock = c }
}

// WithLogger attaches a logger. The federation is silent without one.
func WithLogger(log logr.Logger) Option {
	return func(f *Federation) { f.log = log.WithName("cadp") }
}

// New builds a Federation over the given registry. A nil registry gets a
// fresh one; either way Registry() exposes it for local registrations.
func New(cfg Config, registry *Registry, opts ...Option) *Federation {
	f := &Federation{
		cfg:   cfg.withDefaults(),
		clock: clock.New(),
		log:   logr.Discard(),
		peers: make(map[string]*FederationPeer),
	}
	for _, o := range opts {
		o(f)
	}
	if f.cfg.PeerID == "" {
		f.cfg.PeerID = "peer-" + uuid.NewString()
	}
	if registry == nil {
		registry = NewRegistry(f.clock)
	}
	f.registry = registry
	f.client = newPeerClient()
	return f
}

// PeerID returns this node's mesh identity.
func (f *Federation) PeerID() string { return f.cfg.PeerID }

// Registry returns the local discovery store.
func (f *Federation) Registry() *Registry { return f.registry }

// AddPeer admits a mesh member and performs the handshake: a health-check
// round trip that fills in the peer's self-reported identity. A failed
// handshake leaves the peer registered but disconnected.
func (f *Federation) AddPeer(ctx context.Context, peerURL string, trust TrustLevel) (*FederationPeer, error) {
	peerURL = strings.TrimRight(peerURL, "/")
	if trust == "" {
		trust = TrustPartial
	}

	f.mu.Lock()
	for _, p := range f.peers {
		if p.URL == peerURL {
			f.mu.Unlock()
			return nil, ErrDuplicatePeer
		}
	}
	if len(f.peers) >= f.cfg.MaxPeers {
		f.mu.Unlock()
		return nil, ErrPeerLimit
	}
	peer := &FederationPeer{
		ID:     "peer-" + uuid.NewString(),
		URL:    peerURL,
		Trust:  trust,
		Status: PeerSyncing, // handshake in flight
	}
	f.peers[peer.ID] = peer
	f.order = append(f.order, peer.ID)
	peersGauge.Set(float64(len(f.peers)))
	f.mu.Unlock()

	resp, err := f.call(ctx, peerURL, f.newMessage(MsgHealthCheck, "", nil))

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil || resp.Type != MsgHealthResponse {
		peer.Status = PeerDisconnected
		reason := "unexpected response type"
		if err != nil {
			reason = err.Error()
		}
		f.log.V(1).Info("peer handshake failed", "url", peerURL, "reason", reason)
		out := *peer
		return &out, nil
	}
	var hp HealthPayload
	if err := json.Unmarshal(resp.Payload, &hp); err == nil {
		peer.SourceID = hp.PeerID
		peer.Name = hp.PeerName
		peer.Capabilities = append([]string(nil), hp.Capabilities...)
	}
	peer.Status = PeerConnected
	f.log.Info("peer connected", "peer", peer.ID, "url", peerURL, "trust", trust)
	out := *peer
	return &out, nil
}

// RemovePeer drops a peer by local or self-reported id.
func (f *Federation) RemovePeer(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.findPeerLocked(id)
	if p == nil {
		return false
	}
	delete(f.peers, p.ID)
	f.order = lo.Without(f.order, p.ID)
	peersGauge.Set(float64(len(f.peers)))
	return true
}

// GetPeer returns a snapshot of one peer by local or self-reported id.
func (f *Federation) GetPeer(id string) (FederationPeer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.findPeerLocked(id)
	if p == nil {
		return FederationPeer{}, false
	}
	return *p, true
}

// ListPeers returns peer snapshots in admission order.
func (f *Federation) ListPeers() []FederationPeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FederationPeer, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, *f.peers[id])
	}
	return out
}

// findPeerLocked resolves an id against the local key first, then against
// the peers' self-reported ids. It never creates entries: the local id
// stays the only key in the table.
func (f *Federation) findPeerLocked(id string) *FederationPeer {
	if p, ok := f.peers[id]; ok {
		return p
	}
	for _, p := range f.peers {
		if p.SourceID != "" && p.SourceID == id {
			return p
		}
	}
	return nil
}

// SyncWithPeer exchanges registry snapshots with one peer and merges the
// response under the peer's trust level. It returns how many remote
// records were merged locally.
func (f *Federation) SyncWithPeer(ctx context.Context, id string) (int, error) {
	f.mu.Lock()
	p := f.findPeerLocked(id)
	if p == nil {
		f.mu.Unlock()
		return 0, ErrPeerNotFound
	}
	p.Status = PeerSyncing
	ref := peerRef{id: p.ID, url: p.URL, sourceID: p.SourceID}
	trust := p.Trust
	f.mu.Unlock()

	var records []AgentDNSRecord
	if !f.cfg.DisableSharing {
		records = f.registry.All()
	}

	resp, err := f.call(ctx, ref.url, f.newMessage(MsgSyncRequest, ref.sourceID, SyncPayload{Records: records}))
	if err != nil {
		f.setPeerStatus(ref.id, PeerError)
		return 0, err
	}
	if resp.Type != MsgSyncResponse {
		f.setPeerStatus(ref.id, PeerError)
		return 0, fmt.Errorf("peer answered sync-request with %q", resp.Type)
	}
	var sp SyncPayload
	if err := json.Unmarshal(resp.Payload, &sp); err != nil {
		f.setPeerStatus(ref.id, PeerError)
		return 0, fmt.Errorf("decode sync-response: %w", err)
	}

	merged := f.mergeRecords(ref.id, trust, sp.Records)

	f.mu.Lock()
	if p := f.peers[ref.id]; p != nil {
		now := f.clock.Now()
		p.LastSyncAt = &now
		p.Status = PeerConnected
	}
	f.totalSynced += merged
	f.mu.Unlock()
	syncedRecords.Add(float64(merged))
	f.log.V(1).Info("peer sync done", "peer", ref.id, "sent", len(records), "merged", merged)
	return merged, nil
}

// SyncAll syncs every connected peer, swallowing per-peer failures.
func (f *Federation) SyncAll(ctx context.Context) {
	for _, ref := range f.connectedPeers() {
		if _, err := f.SyncWithPeer(ctx, ref.id); err != nil {
			f.log.V(1).Info("peer sync failed", "peer", ref.id, "error", err.Error())
		}
	}
}

// mergeRecords applies the trust rules to a batch of remote records and
// returns how many were written:
//   - nothing merges from an untrusted peer or when remote agents are off
//   - expired records never import
//   - a non-federated local record shadows the remote one
//   - a local record federated from the same peer is updated in place
func (f *Federation) mergeRecords(peerID string, trust TrustLevel, records []AgentDNSRecord) int {
	if trust == TrustUntrusted || f.cfg.DisableRemoteAgents {
		return 0
	}
	now := f.clock.Now()
	merged := 0
	for _, rec := range records {
		if rec.AgentID == "" {
			continue
		}
		if !rec.ExpiresAt.IsZero() && !rec.ExpiresAt.After(now) {
			continue
		}
		if local, ok := f.registry.Lookup(rec.AgentID); ok {
			if local.Metadata[MetaFederatedFrom] != peerID {
				continue
			}
		}
		meta := make(map[string]string, len(rec.Metadata)+2)
		for k, v := range rec.Metadata {
			meta[k] = v
		}
		meta[MetaFederatedFrom] = peerID
		meta[MetaFederatedAt] = now.Format(time.RFC3339)
		rec.Metadata = meta
		if _, err := f.registry.Register(rec); err == nil {
			merged++
		}
	}
	return merged
}

// FederatedLookup resolves an agent id: the local registry first, then a
// parallel fan-out to every connected peer. The first positive answer wins
// and is cached locally with its TTL capped at 300 seconds. Peer failures
// are lookup misses, never errors.
func (f *Federation) FederatedLookup(ctx context.Context, agentID string) (AgentDNSRecord, bool) {
	if rec, ok := f.registry.Lookup(agentID); ok {
		return rec, true
	}

	peers := f.connectedPeers()
	if len(peers) == 0 {
		return AgentDNSRecord{}, false
	}

	f.mu.Lock()
	f.lookupsForwarded++
	f.mu.Unlock()
	lookupsTotal.WithLabelValues("forwarded").Inc()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type hit struct {
		rec    AgentDNSRecord
		peerID string
	}
	results := make(chan *hit, len(peers))
	for _, p := range peers {
		go func(p peerRef) {
			resp, err := f.call(ctx, p.url, f.newMessage(MsgLookup, p.sourceID, LookupPayload{AgentID: agentID}))
			if err != nil {
				if ctx.Err() == nil {
					f.setPeerStatus(p.id, PeerError)
				}
				results <- nil
				return
			}
			var lp LookupResultPayload
			if resp.Type != MsgLookupResponse || json.Unmarshal(resp.Payload, &lp) != nil || !lp.Found || lp.Record == nil {
				results <- nil
				return
			}
			results <- &hit{rec: *lp.Record, peerID: p.id}
		}(p)
	}

	for range peers {
		h := <-results
		if h == nil {
			continue
		}
		cancel() // winner found; release the laggards

		cached := h.rec
		if cached.TTL <= 0 || cached.TTL > maxLookupCacheTTL {
			cached.TTL = maxLookupCacheTTL
		}
		meta := make(map[string]string, len(cached.Metadata)+3)
		for k, v := range cached.Metadata {
			meta[k] = v
		}
		meta[MetaFederatedFrom] = h.peerID
		meta[MetaFederatedAt] = f.clock.Now().Format(time.RFC3339)
		meta[MetaFederatedLookup] = "true"
		cached.Metadata = meta
		if out, err := f.registry.Register(cached); err == nil {
			return out, true
		}
		return cached, true
	}
	return AgentDNSRecord{}, false
}

// FederatedSearch gathers every agent advertising a capability across the
// mesh. Local matches shadow remote ones with the same agent id; the result
// is ordered by ascending priority.
func (f *Federation) FederatedSearch(ctx context.Context, capability string) []AgentDNSRecord {
	byID := make(map[string]AgentDNSRecord)
	for _, rec := range f.registry.ByCapability(capability) {
		byID[rec.AgentID] = rec
	}

	peers := f.connectedPeers()
	if len(peers) > 0 {
		f.mu.Lock()
		f.lookupsForwarded++
		f.mu.Unlock()
		lookupsTotal.WithLabelValues("forwarded").Inc()

		results := make(chan []AgentDNSRecord, len(peers))
		for _, p := range peers {
			go func(p peerRef) {
				resp, err := f.call(ctx, p.url, f.newMessage(MsgLookup, p.sourceID, LookupPayload{Capability: capability}))
				if err != nil || resp.Type != MsgLookupResponse {
					results <- nil
					return
				}
				var lp LookupResultPayload
				if json.Unmarshal(resp.Payload, &lp) != nil {
					results <- nil
					return
				}
				results <- lp.Records
			}(p)
		}
		for range peers {
			for _, rec := range <-results {
				if rec.AgentID == "" {
					continue
				}
				if _, ok := byID[rec.AgentID]; !ok {
					byID[rec.AgentID] = rec
				}
			}
		}
	}

	out := lo.Values(byID)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// Announce broadcasts a record to every connected peer, fire-and-forget.
func (f *Federation) Announce(ctx context.Context, rec AgentDNSRecord) {
	for _, p := range f.connectedPeers() {
		go func(p peerRef) {
			if _, err := f.call(ctx, p.url, f.newMessage(MsgAnnounce, p.sourceID, AnnouncePayload{Record: rec})); err != nil {
				f.log.V(1).Info("announce failed", "peer", p.id, "error", err.Error())
			}
		}(p)
	}
}

// StartSync launches the periodic SyncAll loop. Calling it twice is a
// no-op; StopSync ends the loop without waiting for an in-flight round.
func (f *Federation) StartSync() {
	f.mu.Lock()
	if f.syncStop != nil {
		f.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	f.syncStop = stop
	f.mu.Unlock()

	ticker := f.clock.Ticker(f.cfg.SyncInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.SyncAll(context.Background())
			}
		}
	}()
}

// StopSync stops the periodic sync loop.
func (f *Federation) StopSync() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncStop != nil {
		close(f.syncStop)
		f.syncStop = nil
	}
}

// GetStats returns a point-in-time snapshot of the federation.
func (f *Federation) GetStats() Stats {
	records := f.registry.All()
	federated := lo.CountBy(records, AgentDNSRecord.Federated)

	f.mu.Lock()
	defer f.mu.Unlock()
	byStatus := make(map[PeerStatus]int)
	for _, p := range f.peers {
		byStatus[p.Status]++
	}
	return Stats{
		Peers:            len(f.peers),
		PeersByStatus:    byStatus,
		Records:          len(records),
		FederatedRecords: federated,
		TotalSynced:      f.totalSynced,
		LookupsServed:    f.lookupsServed,
		LookupsForwarded: f.lookupsForwarded,
	}
}

func (f *Federation) setPeerStatus(id string, status PeerStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p := f.findPeerLocked(id); p != nil {
		p.Status = status
	}
}

// connectedPeers snapshots the identity of every connected peer for I/O
// outside the mutex.
func (f *Federation) connectedPeers() []peerRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []peerRef
	for _, id := range f.order {
		p := f.peers[id]
		if p.Status == PeerConnected {
			out = append(out, peerRef{id: p.ID, url: p.URL, sourceID: p.SourceID})
		}
	}
	return out
}

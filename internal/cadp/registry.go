/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package cadp

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/patrickmn/go-cache"
)

const (
	// defaultRecordTTL leases a record for 5 minutes unless it says otherwise.
	defaultRecordTTL = 300
	// registryCleanupInterval is how often go-cache reaps expired entries.
	registryCleanupInterval = time.Minute
)

// Registry is the local agent-DNS store. Records are leased: every Register
// restamps createdAt/expiresAt from the record's TTL, go-cache reaps expired
// entries in the background, and every read filters on expiresAt against
// the injected clock so expired records are never returned. The mutex makes
// multi-step operations (Update's read-then-write) atomic on top of the
// cache's own locking.
type Registry struct {
	mu    sync.Mutex
	cache *cache.Cache
	clock clock.Clock
}

// NewRegistry builds an empty registry.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		cache: cache.New(defaultRecordTTL*time.Second, registryCleanupInterval),
		clock: clk,
	}
}

// Register upserts a record under its agent id and restamps its lease:
// createdAt = now, expiresAt = createdAt + TTL seconds.
func (r *Registry) Register(rec AgentDNSRecord) (AgentDNSRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(rec)
}

func (r *Registry) registerLocked(rec AgentDNSRecord) (AgentDNSRecord, error) {
	if rec.AgentID == "" {
		return AgentDNSRecord{}, ErrRecordInvalid
	}
	if rec.TTL <= 0 {
		rec.TTL = defaultRecordTTL
	}
	rec.CreatedAt = r.clock.Now()
	rec.ExpiresAt = rec.CreatedAt.Add(time.Duration(rec.TTL) * time.Second)
	r.cache.Set(rec.AgentID, rec, time.Duration(rec.TTL)*time.Second)
	return rec, nil
}

// Update replaces an existing record, keeping Register's lease semantics.
// It reports false when no live record exists for the agent id.
func (r *Registry) Update(rec AgentDNSRecord) (AgentDNSRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.lookupLocked(rec.AgentID); !ok {
		return AgentDNSRecord{}, false
	}
	out, err := r.registerLocked(rec)
	if err != nil {
		return AgentDNSRecord{}, false
	}
	return out, true
}

// Lookup returns the live record for an agent id.
func (r *Registry) Lookup(agentID string) (AgentDNSRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(agentID)
}

func (r *Registry) lookupLocked(agentID string) (AgentDNSRecord, bool) {
	v, ok := r.cache.Get(agentID)
	if !ok {
		return AgentDNSRecord{}, false
	}
	rec := v.(AgentDNSRecord)
	if !rec.ExpiresAt.After(r.clock.Now()) {
		return AgentDNSRecord{}, false
	}
	return rec, true
}

// Remove drops a record. It reports whether a live record was removed.
func (r *Registry) Remove(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.lookupLocked(agentID)
	r.cache.Delete(agentID)
	return ok
}

// All returns every live record, sorted by agent id for stable output.
func (r *Registry) All() []AgentDNSRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	items := r.cache.Items()
	out := make([]AgentDNSRecord, 0, len(items))
	for _, item := range items {
		rec := item.Object.(AgentDNSRecord)
		if rec.ExpiresAt.After(now) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// ByCapability returns live records advertising cap, most preferred
// (lowest priority) first.
func (r *Registry) ByCapability(cap string) []AgentDNSRecord {
	var out []AgentDNSRecord
	for _, rec := range r.All() {
		if rec.HasCapability(cap) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Capabilities returns the distinct capability set across live records.
func (r *Registry) Capabilities() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, rec := range r.All() {
		for _, c := range rec.Capabilities {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				out = append(out, c)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Count returns the number of live records.
func (r *Registry) Count() int {
	return len(r.All())
}

/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

// Package mmu implements the context manager: a two-tier in-process memory
// with value-weighted eviction, q-value learning, promotion between tiers,
// and compression of cold short-term entries into knowledge blocks.
//
// All state lives in maps guarded by one mutex. Reads that touch access
// metadata (Retrieve) take the write lock like any mutation. Events are
// collected during the critical section and delivered after it commits, so
// subscribers may call back into the manager.
package mmu

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cortexos/cortexos/internal/events"
)

const (
	defaultImportance = 0.5
	defaultLimit      = 10
	knowledgeBlockCap = 200
	dayMs             = 86_400_000
)

type scopeKey struct {
	scope Scope
	key   string
}

// Manager owns both memory tiers and their secondary indices.
type Manager struct {
	cfg   Config
	clock clock.Clock
	log   logr.Logger

	mu       sync.Mutex
	stm      map[string]*Entry
	ltm      map[string]*Entry
	byKey    map[scopeKey]string
	byTag    map[string]map[string]struct{}
	keywords map[string][]string
	blocks   *lru.Cache[string, KnowledgeBlock]

	evictions      uint64
	promotions     uint64
	demotions      uint64
	compressions   uint64
	importsSkipped uint64

	emitter events.Emitter[Event]
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock substitutes the time source, used by tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger attaches a logger. The manager is silent without one.
func WithLogger(log logr.Logger) Option {
	return func(m *Manager) { m.log = log.WithName("mmu") }
}

// New builds a Manager with the given configuration.
func New(cfg Config, opts ...Option) *Manager {
	blocks, _ := lru.New[string, KnowledgeBlock](knowledgeBlockCap)
	m := &Manager{
		cfg:      cfg.withDefaults(),
		clock:    clock.New(),
		log:      logr.Discard(),
		stm:      make(map[string]*Entry),
		ltm:      make(map[string]*Entry),
		byKey:    make(map[scopeKey]string),
		byTag:    make(map[string]map[string]struct{}),
		keywords: make(map[string][]string),
		blocks:   blocks,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Subscribe registers a lifecycle event handler and returns its remover.
func (m *Manager) Subscribe(fn func(Event)) func() {
	return m.emitter.Subscribe(fn)
}

// Store inserts or updates the entry identified by (scope, key).
//
// An existing entry is updated in place: value, access metadata, optional
// importance and tags; no eviction happens. A new entry may first evict the
// lowest-q entry of a full tier, and may trigger auto-compression when the
// short-term tier fills past the configured threshold.
func (m *Manager) Store(key, value string, opts StoreOptions) (Entry, error) {
	if key == "" {
		return Entry{}, errors.New("memory key must not be empty")
	}
	scope := opts.Scope
	if scope == "" {
		scope = ScopeSTM
	}
	if scope != ScopeSTM && scope != ScopeLTM {
		return Entry{}, fmt.Errorf("unknown memory scope %q", scope)
	}

	var evs []Event
	defer func() { m.emit(evs) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if id, ok := m.byKey[scopeKey{scope, key}]; ok {
		e := m.storeFor(scope)[id]
		e.Value = value
		e.LastAccessedAt = now
		e.AccessCount++
		if opts.Importance != nil {
			e.Importance = clamp01(*opts.Importance)
		}
		if opts.Tags != nil {
			m.retagLocked(e, opts.Tags)
		}
		m.reindexKeywordsLocked(e)
		snap := *e
		evs = append(evs, Event{Type: EventUpdated, Entry: &snap})
		return snap, nil
	}

	store := m.storeFor(scope)
	if len(store) >= m.capFor(scope) {
		if victim := m.evictLowestLocked(scope); victim != nil {
			evs = append(evs, Event{Type: EventEvicted, Entry: victim})
		}
	}

	importance := defaultImportance
	if opts.Importance != nil {
		importance = clamp01(*opts.Importance)
	}
	e := &Entry{
		ID:             "mem-" + uuid.NewString(),
		Key:            key,
		Value:          value,
		Scope:          scope,
		QValue:         importance,
		Importance:     importance,
		CreatedAt:      now,
		LastAccessedAt: now,
		Tags:           append([]string(nil), opts.Tags...),
	}
	store[e.ID] = e
	m.indexLocked(e)
	snap := *e
	evs = append(evs, Event{Type: EventStored, Entry: &snap})

	if scope == ScopeSTM && m.cfg.AutoCompressThreshold > 0 &&
		float64(len(m.stm)) >= m.cfg.AutoCompressThreshold*float64(m.cfg.STMCapacity) {
		if blk := m.compressLocked(&evs); blk != nil {
			m.log.V(1).Info("auto-compressed short-term memory",
				"block", blk.ID, "sources", len(blk.SourceIDs))
		}
	}
	return snap, nil
}

// Retrieve scores every candidate in the requested scope(s) against the
// query and returns the best matches. Returned entries have their access
// count and last-accessed timestamp bumped.
func (m *Manager) Retrieve(query string, opts RetrieveOptions) []Entry {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	queryWords := distinctWords(query, 0)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	type scored struct {
		e     *Entry
		score float64
	}
	var list []scored
	collect := func(store map[string]*Entry) {
		for _, e := range store {
			if !hasAllTags(e, opts.Tags) {
				continue
			}
			list = append(list, scored{e, m.scoreLocked(e, queryWords, now)})
		}
	}
	switch opts.Scope {
	case ScopeSTM:
		collect(m.stm)
	case ScopeLTM:
		collect(m.ltm)
	default:
		collect(m.stm)
		collect(m.ltm)
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		return list[i].e.ID < list[j].e.ID
	})

	out := make([]Entry, 0, limit)
	for _, s := range list {
		if s.score < opts.MinScore {
			continue
		}
		if len(out) == limit {
			break
		}
		s.e.AccessCount++
		s.e.LastAccessedAt = now
		out = append(out, *s.e)
	}
	return out
}

// scoreLocked implements the composite retrieval score.
func (m *Manager) scoreLocked(e *Entry, queryWords []string, now time.Time) float64 {
	hitRate := 0.0
	if len(queryWords) > 0 {
		var entryWords []string
		if m.cfg.DisableSemanticIndex {
			entryWords = distinctWords(e.Key+" "+e.Value, 0)
		} else {
			entryWords = m.keywords[e.ID]
		}
		set := make(map[string]struct{}, len(entryWords))
		for _, w := range entryWords {
			set[w] = struct{}{}
		}
		hits := 0
		for _, w := range queryWords {
			if _, ok := set[w]; ok {
				hits++
			}
		}
		hitRate = float64(hits) / float64(len(queryWords))
	}

	ageMs := now.Sub(e.LastAccessedAt).Milliseconds()
	if ageMs < 0 {
		ageMs = 0
	}
	recency := 1.0 / (1.0 + float64(ageMs)/dayMs)
	frequency := math.Log2(float64(e.AccessCount)+1) / 10

	return 0.4*clamp01(e.QValue) + 0.3*hitRate + 0.2*recency + 0.1*frequency
}

// UpdateQ applies one Bellman step to the entry's q-value:
//
//	Q ← (1−α)·Q + α·(reward + γ·max Q(other))
//
// clamped to [0,1]. A short-term entry whose new value reaches the promotion
// threshold is promoted before UpdateQ returns.
func (m *Manager) UpdateQ(id string, reward float64) (Entry, error) {
	var evs []Event
	defer func() { m.emit(evs) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.findLocked(id)
	if e == nil {
		return Entry{}, ErrEntryNotFound
	}

	maxOther := 0.0
	for _, store := range []map[string]*Entry{m.stm, m.ltm} {
		for oid, o := range store {
			if oid != id && o.QValue > maxOther {
				maxOther = o.QValue
			}
		}
	}

	alpha, gamma := m.cfg.QLearningRate, m.cfg.QDiscountFactor
	e.QValue = clamp01((1-alpha)*e.QValue + alpha*(reward+gamma*maxOther))
	snap := *e
	evs = append(evs, Event{Type: EventUpdated, Entry: &snap})

	if e.Scope == ScopeSTM && e.QValue >= m.cfg.PromotionQThreshold {
		m.moveLocked(e, ScopeLTM, &evs)
		snap = *e
	}
	return snap, nil
}

// Promote moves a short-term entry to long-term. Promoting an entry already
// in LTM is a no-op.
func (m *Manager) Promote(id string) (Entry, error) {
	return m.changeScope(id, ScopeLTM)
}

// Demote moves a long-term entry back to short-term. Demoting an entry
// already in STM is a no-op.
func (m *Manager) Demote(id string) (Entry, error) {
	return m.changeScope(id, ScopeSTM)
}

func (m *Manager) changeScope(id string, to Scope) (Entry, error) {
	var evs []Event
	defer func() { m.emit(evs) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.findLocked(id)
	if e == nil {
		return Entry{}, ErrEntryNotFound
	}
	if e.Scope != to {
		m.moveLocked(e, to, &evs)
	}
	return *e, nil
}

// moveLocked transfers an entry between tiers, evicting from the destination
// if needed and rewriting the (scope,key) index. A destination entry holding
// the same key is evicted rather than shadowed.
func (m *Manager) moveLocked(e *Entry, to Scope, evs *[]Event) {
	from := e.Scope
	dst := m.storeFor(to)

	if len(dst) >= m.capFor(to) {
		if victim := m.evictLowestLocked(to); victim != nil {
			*evs = append(*evs, Event{Type: EventEvicted, Entry: victim})
		}
	}
	if oid, ok := m.byKey[scopeKey{to, e.Key}]; ok && oid != e.ID {
		if old := dst[oid]; old != nil {
			snap := *old
			m.removeLocked(old)
			m.evictions++
			*evs = append(*evs, Event{Type: EventEvicted, Entry: &snap})
		}
	}

	delete(m.storeFor(from), e.ID)
	delete(m.byKey, scopeKey{from, e.Key})
	e.Scope = to
	dst[e.ID] = e
	m.byKey[scopeKey{to, e.Key}] = e.ID

	snap := *e
	if to == ScopeLTM {
		m.promotions++
		*evs = append(*evs, Event{Type: EventPromoted, Entry: &snap})
	} else {
		m.demotions++
		*evs = append(*evs, Event{Type: EventDemoted, Entry: &snap})
	}
}

// Get returns a snapshot of the entry with the given id. Pure read.
func (m *Manager) Get(id string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.findLocked(id)
	if e == nil {
		return Entry{}, ErrEntryNotFound
	}
	return *e, nil
}

// GetByKey returns a snapshot of the entry at (scope, key). Pure read.
func (m *Manager) GetByKey(scope Scope, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[scopeKey{scope, key}]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return *m.storeFor(scope)[id], nil
}

// ExportLTM returns a copy of the long-term tier, ordered by creation time.
func (m *Manager) ExportLTM() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.ltm))
	for _, e := range m.ltm {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ImportLTM loads entries into the long-term tier, preserving ids. Entries
// are silently skipped once the tier is full, as are duplicates of an
// existing id or key; skips are visible in Stats. Returns the number of
// entries imported.
func (m *Manager) ImportLTM(entries []Entry) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	imported := 0
	for i := range entries {
		if len(m.ltm) >= m.cfg.LTMCapacity {
			m.importsSkipped += uint64(len(entries) - i)
			break
		}
		e := entries[i]
		e.Scope = ScopeLTM
		e.QValue = clamp01(e.QValue)
		if e.ID == "" {
			e.ID = "mem-" + uuid.NewString()
		}
		if _, dup := m.ltm[e.ID]; dup {
			m.importsSkipped++
			continue
		}
		if _, dup := m.byKey[scopeKey{ScopeLTM, e.Key}]; dup {
			m.importsSkipped++
			continue
		}
		m.ltm[e.ID] = &e
		m.indexLocked(&e)
		imported++
	}
	return imported
}

// Stats returns a point-in-time snapshot of sizes and counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	sum, n := 0.0, 0
	for _, store := range []map[string]*Entry{m.stm, m.ltm} {
		for _, e := range store {
			sum += e.QValue
			n++
		}
	}
	avg := 0.0
	if n > 0 {
		avg = sum / float64(n)
	}
	return Stats{
		STMSize:         len(m.stm),
		LTMSize:         len(m.ltm),
		STMCapacity:     m.cfg.STMCapacity,
		LTMCapacity:     m.cfg.LTMCapacity,
		KnowledgeBlocks: m.blocks.Len(),
		Evictions:       m.evictions,
		Promotions:      m.promotions,
		Demotions:       m.demotions,
		Compressions:    m.compressions,
		ImportsSkipped:  m.importsSkipped,
		AvgQValue:       avg,
	}
}

func (m *Manager) storeFor(scope Scope) map[string]*Entry {
	if scope == ScopeLTM {
		return m.ltm
	}
	return m.stm
}

func (m *Manager) capFor(scope Scope) int {
	if scope == ScopeLTM {
		return m.cfg.LTMCapacity
	}
	return m.cfg.STMCapacity
}

func (m *Manager) findLocked(id string) *Entry {
	if e, ok := m.stm[id]; ok {
		return e
	}
	if e, ok := m.ltm[id]; ok {
		return e
	}
	return nil
}

// evictLowestLocked removes the lowest-q entry of the tier, ties broken by
// oldest last access, and returns its snapshot.
func (m *Manager) evictLowestLocked(scope Scope) *Entry {
	var victim *Entry
	for _, e := range m.storeFor(scope) {
		if victim == nil {
			victim = e
			continue
		}
		switch {
		case e.QValue < victim.QValue:
			victim = e
		case e.QValue == victim.QValue && e.LastAccessedAt.Before(victim.LastAccessedAt):
			victim = e
		case e.QValue == victim.QValue && e.LastAccessedAt.Equal(victim.LastAccessedAt) && e.ID < victim.ID:
			victim = e
		}
	}
	if victim == nil {
		return nil
	}
	snap := *victim
	m.removeLocked(victim)
	m.evictions++
	m.log.V(1).Info("evicted memory entry", "id", snap.ID, "key", snap.Key, "scope", snap.Scope, "q", snap.QValue)
	return &snap
}

func (m *Manager) emit(evs []Event) {
	for _, ev := range evs {
		m.emitter.Emit(ev)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

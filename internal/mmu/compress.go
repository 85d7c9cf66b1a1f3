/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package mmu

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const summaryValueChars = 100

// Compress folds the coldest 30% of the short-term tier (by q-value, at
// least one entry) into an immutable KnowledgeBlock and removes the sources
// from memory. Returns nil when STM holds fewer than two entries.
func (m *Manager) Compress() *KnowledgeBlock {
	var evs []Event
	defer func() { m.emit(evs) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compressLocked(&evs)
}

func (m *Manager) compressLocked(evs *[]Event) *KnowledgeBlock {
	if len(m.stm) < 2 {
		return nil
	}

	candidates := make([]*Entry, 0, len(m.stm))
	for _, e := range m.stm {
		candidates = append(candidates, e)
	}
	sortByColdest(candidates)

	count := len(candidates) * 3 / 10
	if count < 1 {
		count = 1
	}
	victims := candidates[:count]

	parts := make([]string, 0, count)
	ids := make([]string, 0, count)
	sourceBytes := 0
	for _, e := range victims {
		parts = append(parts, fmt.Sprintf("[%s]: %s", e.Key, truncateRunes(e.Value, summaryValueChars)))
		ids = append(ids, e.ID)
		sourceBytes += len(e.Value)
		m.removeLocked(e)
	}

	summary := strings.Join(parts, " | ")
	ratio := 0.0
	if len(summary) > 0 {
		ratio = float64(sourceBytes) / float64(len(summary))
	}
	blk := KnowledgeBlock{
		ID:               "blk-" + uuid.NewString(),
		Summary:          summary,
		SourceIDs:        ids,
		CreatedAt:        m.clock.Now(),
		CompressionRatio: ratio,
	}
	m.blocks.Add(blk.ID, blk)
	m.compressions++
	*evs = append(*evs, Event{Type: EventCompressed, Block: &blk})
	return &blk
}

// GetBlock returns a knowledge block by id.
func (m *Manager) GetBlock(id string) (KnowledgeBlock, bool) {
	return m.blocks.Get(id)
}

// Blocks returns the retained knowledge blocks, oldest first.
func (m *Manager) Blocks() []KnowledgeBlock {
	return m.blocks.Values()
}

// sortByColdest orders entries by ascending q-value, then oldest last
// access, then id.
func sortByColdest(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.QValue != b.QValue {
			return a.QValue < b.QValue
		}
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		}
		return a.ID < b.ID
	})
}

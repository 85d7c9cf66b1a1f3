/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package mmu

import (
	"sort"
	"strings"
	"unicode"
)

const maxIndexedWords = 20

// indexLocked registers the entry in the (scope,key), tag, and keyword
// indices.
func (m *Manager) indexLocked(e *Entry) {
	m.byKey[scopeKey{e.Scope, e.Key}] = e.ID
	for _, tag := range e.Tags {
		set, ok := m.byTag[tag]
		if !ok {
			set = make(map[string]struct{})
			m.byTag[tag] = set
		}
		set[e.ID] = struct{}{}
	}
	m.reindexKeywordsLocked(e)
}

// removeLocked erases the entry from its tier and every index.
func (m *Manager) removeLocked(e *Entry) {
	delete(m.storeFor(e.Scope), e.ID)
	delete(m.byKey, scopeKey{e.Scope, e.Key})
	for _, tag := range e.Tags {
		if set, ok := m.byTag[tag]; ok {
			delete(set, e.ID)
			if len(set) == 0 {
				delete(m.byTag, tag)
			}
		}
	}
	delete(m.keywords, e.ID)
}

// retagLocked replaces the entry's tag set and fixes the tag index.
func (m *Manager) retagLocked(e *Entry, tags []string) {
	for _, tag := range e.Tags {
		if set, ok := m.byTag[tag]; ok {
			delete(set, e.ID)
			if len(set) == 0 {
				delete(m.byTag, tag)
			}
		}
	}
	e.Tags = append([]string(nil), tags...)
	for _, tag := range e.Tags {
		set, ok := m.byTag[tag]
		if !ok {
			set = make(map[string]struct{})
			m.byTag[tag] = set
		}
		set[e.ID] = struct{}{}
	}
}

func (m *Manager) reindexKeywordsLocked(e *Entry) {
	if m.cfg.DisableSemanticIndex {
		return
	}
	m.keywords[e.ID] = topWords(e.Key+" "+e.Value, maxIndexedWords)
}

func hasAllTags(e *Entry, want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(e.Tags))
	for _, t := range e.Tags {
		have[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

// truncateRunes cuts s to at most n runes without splitting a character.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// tokenize lowercases text and splits it on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// distinctWords returns the distinct words of text in first-seen order,
// capped at limit when limit > 0.
func distinctWords(text string, limit int) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range tokenize(text) {
		if len(w) <= 2 {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// topWords returns the limit most frequent distinct words of text, ties
// broken by first occurrence.
func topWords(text string, limit int) []string {
	counts := make(map[string]int)
	first := make(map[string]int)
	var order []string
	for i, w := range tokenize(text) {
		if len(w) <= 2 {
			continue
		}
		if _, ok := counts[w]; !ok {
			first[w] = i
			order = append(order, w)
		}
		counts[w]++
	}
	sort.SliceStable(order, func(i, j int) bool {
		if counts[order[i]] != counts[order[j]] {
			return counts[order[i]] > counts[order[j]]
		}
		return first[order[i]] < first[order[j]]
	})
	if limit > 0 && len(order) > limit {
		order = order[:limit]
	}
	return order
}

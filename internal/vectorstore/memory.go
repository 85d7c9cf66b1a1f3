/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Memory is an in-process Store for single-node deployments and tests.
// Vectors are compared by cosine similarity.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]Document)}
}

func (m *Memory) Upsert(_ context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc
	return nil
}

func (m *Memory) SearchByVector(_ context.Context, vector []float32, topK int, filter map[string]string) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []SearchResult
	for _, doc := range m.docs {
		if !matchesFilter(doc, filter) {
			continue
		}
		results = append(results, SearchResult{
			Document: doc,
			Score:    cosine(vector, doc.Embedding),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

func (m *Memory) Health(context.Context) error { return nil }

// matchesFilter applies the same key space Qdrant sees: document metadata
// plus the reserved field keys.
func matchesFilter(doc Document, filter map[string]string) bool {
	for k, v := range filter {
		var got string
		switch k {
		case payloadID:
			got = doc.ID
		case payloadTaskID:
			got = doc.TaskID
		case payloadContent:
			got = doc.Content
		default:
			got = doc.Metadata[k]
		}
		if got != v {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

// Package vectorstore holds the vector database clients behind the knowledge
// layer. Stores move vectors and payloads; embedding text is the caller's
// concern.
package vectorstore

import "context"

// Document is one indexed piece of knowledge, typically the outcome of a
// completed task.
type Document struct {
	ID        string            // stable identity, usually the task id
	TaskID    string            // originating task
	Content   string            // text content
	Embedding []float32         // pre-computed embedding
	Metadata  map[string]string // role, model, tags, completedAt
}

// SearchResult is a single search hit.
type SearchResult struct {
	Document Document
	Score    float32
}

// Store is the vector store interface.
type Store interface {
	// Upsert indexes a document, overwriting any existing ID.
	Upsert(ctx context.Context, doc Document) error

	// SearchByVector finds the top-k documents nearest to vector. Filter
	// entries must all match the document metadata.
	SearchByVector(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]SearchResult, error)

	// Delete removes a document by ID.
	Delete(ctx context.Context, id string) error

	// Health checks if the store is reachable.
	Health(ctx context.Context) error
}

/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package vectorstore

import "fmt"

// Providers the factory knows how to build. "memory" needs no endpoint and
// is what the daemon falls back to when no external store is configured.
const (
	ProviderQdrant = "qdrant"
	ProviderMemory = "memory"
)

// Option configures a vector store implementation.
type Option func(*options)

type options struct {
	Collection         string
	EmbeddingDimension int
}

func defaultOptions() options {
	return options{
		Collection:         "cortexos-knowledge",
		EmbeddingDimension: 256,
	}
}

// WithCollection sets the collection/index name.
func WithCollection(name string) Option {
	return func(o *options) { o.Collection = name }
}

// WithEmbeddingDimension sets the vector dimension. Dimensions must match
// the embedder; mismatched upserts are rejected by the backend.
func WithEmbeddingDimension(dim int) Option {
	return func(o *options) { o.EmbeddingDimension = dim }
}

// New creates a Store for the given provider.
func New(provider string, endpoint string, opts ...Option) (Store, error) {
	switch provider {
	case ProviderQdrant:
		return NewQdrant(endpoint, opts...)
	case ProviderMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown vector store provider: %s", provider)
	}
}

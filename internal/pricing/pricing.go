/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

// Package pricing holds the model catalog: per-model token prices, the
// fast/balanced/powerful tier classification, and downgrade paths used by
// the rightsizing recommender.
package pricing

import (
	"fmt"
	"sync"
)

// Tier is an abstract pricing/capability class. The Router selects a tier
// first and resolves a concrete model second.
type Tier string

const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierPowerful Tier = "powerful"
)

// Model describes one catalog entry. Prices are USD per million tokens.
// Rank orders models within a provider by capability (higher = stronger);
// rightsizing only considers models of rank 3 and above. Downgrades lists
// cheaper substitutes in preference order.
type Model struct {
	Provider      string   `json:"provider"`
	Name          string   `json:"name"`
	Tier          Tier     `json:"tier"`
	Rank          int      `json:"rank"`
	InputPerMTok  float64  `json:"inputPer1M"`
	OutputPerMTok float64  `json:"outputPer1M"`
	Downgrades    []string `json:"downgrades,omitempty"`
}

// Blended returns the average of input and output price per million tokens.
func (m Model) Blended() float64 {
	return (m.InputPerMTok + m.OutputPerMTok) / 2
}

// EstimateCost prices a token count at the blended rate.
func (m Model) EstimateCost(tokens int64) float64 {
	return float64(tokens) / 1_000_000 * m.Blended()
}

// CostPer1K prices one thousand tokens at the caller's observed input/output
// mix. With no observed traffic it falls back to the blended rate.
func (m Model) CostPer1K(meanInput, meanOutput float64) float64 {
	total := meanInput + meanOutput
	if total <= 0 {
		return m.Blended() / 1000
	}
	perMTok := (meanInput*m.InputPerMTok + meanOutput*m.OutputPerMTok) / total
	return perMTok / 1000
}

// Catalog is a thread-safe model price table. Insertion order is preserved:
// the first registered model is the catalog-wide fallback.
type Catalog struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Model
}

// NewCatalog builds a catalog from the given models in order.
func NewCatalog(models ...Model) *Catalog {
	c := &Catalog{byName: make(map[string]Model, len(models))}
	for _, m := range models {
		c.Register(m)
	}
	return c
}

// Default returns the built-in catalog. Prices are approximate public list
// prices; deployments override them via Register.
func Default() *Catalog {
	return NewCatalog(
		Model{Provider: "anthropic", Name: "claude-3-5-haiku", Tier: TierFast, Rank: 1, InputPerMTok: 0.80, OutputPerMTok: 4.00},
		Model{Provider: "anthropic", Name: "claude-sonnet-4", Tier: TierBalanced, Rank: 3, InputPerMTok: 3.00, OutputPerMTok: 15.00,
			Downgrades: []string{"claude-3-5-haiku"}},
		Model{Provider: "anthropic", Name: "claude-opus-4", Tier: TierPowerful, Rank: 4, InputPerMTok: 15.00, OutputPerMTok: 75.00,
			Downgrades: []string{"claude-sonnet-4", "claude-3-5-haiku"}},
		Model{Provider: "openai", Name: "gpt-4o-mini", Tier: TierFast, Rank: 1, InputPerMTok: 0.15, OutputPerMTok: 0.60},
		Model{Provider: "openai", Name: "gpt-4o", Tier: TierBalanced, Rank: 3, InputPerMTok: 2.50, OutputPerMTok: 10.00,
			Downgrades: []string{"gpt-4o-mini"}},
		Model{Provider: "openai", Name: "o1", Tier: TierPowerful, Rank: 4, InputPerMTok: 15.00, OutputPerMTok: 60.00,
			Downgrades: []string{"gpt-4o", "gpt-4o-mini"}},
		Model{Provider: "google", Name: "gemini-2.0-flash", Tier: TierFast, Rank: 1, InputPerMTok: 0.10, OutputPerMTok: 0.40},
		Model{Provider: "google", Name: "gemini-2.5-pro", Tier: TierPowerful, Rank: 4, InputPerMTok: 1.25, OutputPerMTok: 10.00,
			Downgrades: []string{"gemini-2.0-flash"}},
	)
}

// Register adds or replaces a model by name.
func (c *Catalog) Register(m Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byName[m.Name]; !ok {
		c.order = append(c.order, m.Name)
	}
	c.byName[m.Name] = m
}

// Get returns the model with the given name.
func (c *Catalog) Get(name string) (Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byName[name]
	return m, ok
}

// Resolve finds a model for (provider, tier). Fallback order: exact match,
// then any model of the provider, then the first model in the catalog.
func (c *Catalog) Resolve(provider string, tier Tier) (Model, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.order) == 0 {
		return Model{}, fmt.Errorf("pricing catalog is empty")
	}
	for _, name := range c.order {
		m := c.byName[name]
		if m.Provider == provider && m.Tier == tier {
			return m, nil
		}
	}
	for _, name := range c.order {
		if m := c.byName[name]; m.Provider == provider {
			return m, nil
		}
	}
	return c.byName[c.order[0]], nil
}

// Downgrade returns the nth entry (1-based) of the model's downgrade path.
// Asking for a step past the end returns the last entry, so "the second
// downgrade, or the first if none" is Downgrade(name, 2).
func (c *Catalog) Downgrade(name string, step int) (Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.byName[name]
	if !ok || step < 1 || len(m.Downgrades) == 0 {
		return Model{}, false
	}
	if step > len(m.Downgrades) {
		step = len(m.Downgrades)
	}
	target, ok := c.byName[m.Downgrades[step-1]]
	return target, ok
}

// Models returns a snapshot of the catalog in registration order.
func (c *Catalog) Models() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Model, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.byName[name])
	}
	return out
}

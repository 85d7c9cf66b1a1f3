/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

// Package router selects an execution model for a task from its role,
// complexity, and remaining budget, and hosts the budget gate consulted by
// anything about to spend.
package router

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/cortexos/cortexos/internal/pricing"
)

// Config tunes model selection.
type Config struct {
	// Provider is the preferred model provider, e.g. "anthropic".
	Provider string
	// PreferCheap forces the fast tier for every request.
	PreferCheap bool
}

// Request describes one routing decision.
type Request struct {
	Role            string  `json:"role"`
	Complexity      float64 `json:"complexity"`
	EstimatedTokens int64   `json:"estimatedTokens"`
	// RemainingBudget in USD. Negative means unconstrained.
	RemainingBudget float64 `json:"remainingBudget"`
	PreferCheap     bool    `json:"preferCheap,omitempty"`
}

// Decision is the routing outcome.
type Decision struct {
	Model         pricing.Model `json:"model"`
	Tier          pricing.Tier  `json:"tier"`
	EstimatedCost float64       `json:"estimatedCost"`
	Downgraded    bool          `json:"downgraded"`
	Reason        string        `json:"reason"`
}

// Router maps task descriptions to models through the pricing catalog.
type Router struct {
	catalog *pricing.Catalog
	cfg     Config
	log     logr.Logger
}

// New builds a Router over the given catalog.
func New(catalog *pricing.Catalog, cfg Config, log logr.Logger) *Router {
	if cfg.Provider == "" {
		cfg.Provider = "anthropic"
	}
	return &Router{catalog: catalog, cfg: cfg, log: log.WithName("router")}
}

// tierFor applies the role/complexity table.
func tierFor(role string, complexity float64) (pricing.Tier, string) {
	switch role {
	case "researcher":
		return pricing.TierFast, "researcher role"
	case "validator":
		if complexity > 0.7 {
			return pricing.TierPowerful, "validator with high complexity"
		}
		return pricing.TierBalanced, "validator role"
	case "developer":
		if complexity > 0.5 {
			return pricing.TierPowerful, "developer with high complexity"
		}
		return pricing.TierBalanced, "developer role"
	case "architect":
		return pricing.TierPowerful, "architect role"
	case "tester":
		return pricing.TierBalanced, "tester role"
	case "orchestrator":
		return pricing.TierPowerful, "orchestrator role"
	case "ux-agent":
		return pricing.TierFast, "ux-agent role"
	default:
		if complexity > 0.6 {
			return pricing.TierPowerful, "high complexity"
		}
		return pricing.TierBalanced, "default"
	}
}

// Route picks a model for the request. When the estimate would consume more
// than half the remaining budget, the choice is downgraded to the provider's
// fast model.
func (r *Router) Route(req Request) (Decision, error) {
	tier, reason := tierFor(req.Role, req.Complexity)
	if r.cfg.PreferCheap || req.PreferCheap {
		tier, reason = pricing.TierFast, "preferCheap"
	}

	model, err := r.catalog.Resolve(r.cfg.Provider, tier)
	if err != nil {
		return Decision{}, fmt.Errorf("resolve model for tier %s: %w", tier, err)
	}

	d := Decision{
		Model:         model,
		Tier:          tier,
		EstimatedCost: model.EstimateCost(req.EstimatedTokens),
		Reason:        reason,
	}

	if req.RemainingBudget >= 0 && d.EstimatedCost > 0.5*req.RemainingBudget {
		fast, err := r.catalog.Resolve(r.cfg.Provider, pricing.TierFast)
		if err != nil {
			return Decision{}, fmt.Errorf("resolve fast model: %w", err)
		}
		if fast.Name != model.Name {
			d.Model = fast
			d.Tier = pricing.TierFast
			d.EstimatedCost = fast.EstimateCost(req.EstimatedTokens)
			d.Downgraded = true
			d.Reason = fmt.Sprintf("budget downgrade from %s", tier)
			routeDowngrades.Inc()
		}
	}

	routeDecisions.WithLabelValues(string(d.Tier)).Inc()
	r.log.V(1).Info("routed request",
		"role", req.Role, "complexity", req.Complexity,
		"model", d.Model.Name, "tier", d.Tier,
		"estimatedCost", d.EstimatedCost, "downgraded", d.Downgraded)
	return d, nil
}

/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package finops

import (
	"fmt"
	"math"
	"sort"

	"github.com/samber/lo"

	"github.com/cortexos/cortexos/internal/pricing"
)

const (
	simpleTaskOutputTokens = 100
	lowVarianceOutputCap   = 500
	lowVarianceMinRecords  = 10
	lowVarianceCostCV      = 0.3
	minRightsizableRank    = 3
)

// modelUsage aggregates an agent's traffic on one model.
type modelUsage struct {
	agentID string
	model   string
	count   int
	total   float64
	costs   []float64
	inTok   int64
	outTok  int64
}

func (u *modelUsage) meanIn() float64  { return float64(u.inTok) / float64(u.count) }
func (u *modelUsage) meanOut() float64 { return float64(u.outTok) / float64(u.count) }

// GenerateRecommendations proposes cheaper models per (agent, model) pair.
// An empty agentID considers every agent. Only models of rank 3 or higher
// with a downgrade path are candidates, and only positive estimated savings
// are reported.
func (e *Engine) GenerateRecommendations(agentID string) ([]Recommendation, error) {
	if e.cfg.DisableRightsizing {
		return nil, ErrRightsizingDisabled
	}
	e.mu.Lock()
	records := make([]ConsumptionRecord, len(e.records))
	copy(records, e.records)
	e.mu.Unlock()

	if agentID != "" {
		records = lo.Filter(records, func(r ConsumptionRecord, _ int) bool {
			return r.AgentID == agentID
		})
	}
	return e.recommendationsFor(records), nil
}

// recommendationsFor implements the two rightsizing rules over a record set.
func (e *Engine) recommendationsFor(records []ConsumptionRecord) []Recommendation {
	byPair := make(map[string]*modelUsage)
	var keys []string
	for _, rec := range records {
		key := rec.AgentID + "\x00" + rec.Model
		u, ok := byPair[key]
		if !ok {
			u = &modelUsage{agentID: rec.AgentID, model: rec.Model}
			byPair[key] = u
			keys = append(keys, key)
		}
		u.count++
		u.total += rec.Cost
		u.costs = append(u.costs, rec.Cost)
		u.inTok += rec.InputTokens
		u.outTok += rec.OutputTokens
	}
	sort.Strings(keys)

	var out []Recommendation
	for _, key := range keys {
		u := byPair[key]
		current, ok := e.catalog.Get(u.model)
		if !ok || current.Rank < minRightsizableRank || len(current.Downgrades) == 0 {
			continue
		}

		ruleFired := false
		if u.meanOut() < simpleTaskOutputTokens {
			if target, ok := e.catalog.Downgrade(u.model, 1); ok {
				ruleFired = true
				if rec, ok := e.buildRecommendation(u, current, target,
					fmt.Sprintf("mean output of %.0f tokens suits a lighter model", u.meanOut()), 0.05); ok {
					out = append(out, rec)
				}
			}
		}
		if !ruleFired &&
			u.count >= lowVarianceMinRecords &&
			coefficientOfVariation(u.costs) < lowVarianceCostCV &&
			u.meanOut() < lowVarianceOutputCap {
			if target, ok := e.catalog.Downgrade(u.model, 2); ok {
				if rec, ok := e.buildRecommendation(u, current, target,
					"stable low-cost workload tolerates a cheaper model", 0.10); ok {
					out = append(out, rec)
				}
			}
		}
	}
	return out
}

// buildRecommendation prices the switch at the agent's observed token mix.
func (e *Engine) buildRecommendation(u *modelUsage, current, target pricing.Model, reason string, quality float64) (Recommendation, bool) {
	oldPer1K := current.CostPer1K(u.meanIn(), u.meanOut())
	if oldPer1K <= 0 {
		return Recommendation{}, false
	}
	savings := u.total * (1 - target.CostPer1K(u.meanIn(), u.meanOut())/oldPer1K)
	if savings <= 0 {
		return Recommendation{}, false
	}
	return Recommendation{
		AgentID:          u.agentID,
		CurrentModel:     current.Name,
		RecommendedModel: target.Name,
		Reason:           reason,
		EstimatedSavings: savings,
		QualityImpact:    quality,
		BasedOnRecords:   u.count,
	}, true
}

// coefficientOfVariation is the population standard deviation over the mean.
// A zero mean reports zero variation.
func coefficientOfVariation(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	if mean == 0 {
		return 0
	}
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return math.Sqrt(variance) / mean
}

/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package finops

import (
	"sort"
	"strings"
	"time"
)

// GenerateReport aggregates the ledger window [start, end] by agent, model,
// and sorted tag tuple, and attaches budgets plus recommendations derived
// from the same window.
func (e *Engine) GenerateReport(start, end time.Time) Report {
	e.mu.Lock()
	var window []ConsumptionRecord
	for _, rec := range e.records {
		if rec.Timestamp.Before(start) || rec.Timestamp.After(end) {
			continue
		}
		window = append(window, rec)
	}
	budgets := e.budgetsLocked()
	now := e.clock.Now()
	e.mu.Unlock()

	r := Report{
		Start:       start,
		End:         end,
		GeneratedAt: now,
		ByAgent:     make(map[string]Aggregate),
		ByModel:     make(map[string]Aggregate),
		ByTags:      make(map[string]Aggregate),
		Budgets:     budgets,
		Records:     len(window),
	}
	for _, rec := range window {
		r.TotalCost += rec.Cost
		r.TotalTokens += rec.InputTokens + rec.OutputTokens
		accumulate(r.ByAgent, rec.AgentID, rec)
		accumulate(r.ByModel, rec.Model, rec)
		accumulate(r.ByTags, tagTuple(rec.Tags), rec)
	}
	if !e.cfg.DisableRightsizing {
		r.Recommendations = e.recommendationsFor(window)
	}
	return r
}

func accumulate(m map[string]Aggregate, key string, rec ConsumptionRecord) {
	agg := m[key]
	agg.Cost += rec.Cost
	agg.InputTokens += rec.InputTokens
	agg.OutputTokens += rec.OutputTokens
	agg.Records++
	m[key] = agg
}

// tagTuple canonicalizes a tag map into "k=v,k=v" sorted by key, so equal
// tag sets always aggregate under the same bucket.
func tagTuple(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(tags[k])
	}
	return sb.String()
}

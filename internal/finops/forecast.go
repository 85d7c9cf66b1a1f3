/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package finops

import "fmt"

// Forecast extrapolates an agent's cumulative cost and token consumption
// over the named period by ordinary least squares against time.
//
// Confidence combines the regression fit with the sample size:
// min(1, R² · min(1, n/10)). Fewer than two samples, or samples without
// variance, yield a zero forecast with zero confidence.
func (e *Engine) Forecast(agentID string, period Period) (Forecast, error) {
	if e.cfg.DisableForecast {
		return Forecast{}, ErrForecastDisabled
	}
	horizon, ok := periodMs[period]
	if !ok {
		return Forecast{}, fmt.Errorf("unknown forecast period %q", period)
	}

	e.mu.Lock()
	// Ledger order is insertion order, which is timestamp order because
	// timestamps are assigned at append time.
	xs := make([]float64, 0, 16)
	costs := make([]float64, 0, 16)
	tokens := make([]float64, 0, 16)
	cumCost, cumTokens := 0.0, 0.0
	for _, rec := range e.records {
		if rec.AgentID != agentID {
			continue
		}
		cumCost += rec.Cost
		cumTokens += float64(rec.InputTokens + rec.OutputTokens)
		xs = append(xs, float64(rec.Timestamp.UnixMilli()))
		costs = append(costs, cumCost)
		tokens = append(tokens, cumTokens)
	}
	e.mu.Unlock()

	costSlope, costR2 := olsFit(xs, costs)
	tokenSlope, _ := olsFit(xs, tokens)

	f := Forecast{
		AgentID:         agentID,
		Period:          period,
		EstimatedCost:   max0(costSlope * horizon),
		EstimatedTokens: max0(tokenSlope * horizon),
		BasedOnRecords:  len(xs),
	}
	sizeFactor := float64(len(xs)) / 10
	if sizeFactor > 1 {
		sizeFactor = 1
	}
	f.Confidence = costR2 * sizeFactor
	if f.Confidence > 1 {
		f.Confidence = 1
	}
	return f, nil
}

// olsFit returns the least-squares slope of ys over xs and the R² of the
// fit. Degenerate inputs (n < 2, constant xs, constant ys) return (0, 0).
func olsFit(xs, ys []float64) (slope, r2 float64) {
	n := len(xs)
	if n < 2 {
		return 0, 0
	}

	meanX, meanY := 0.0, 0.0
	for i := range xs {
		meanX += xs[i]
		meanY += ys[i]
	}
	meanX /= float64(n)
	meanY /= float64(n)

	varX, cov := 0.0, 0.0
	for i := range xs {
		dx := xs[i] - meanX
		varX += dx * dx
		cov += dx * (ys[i] - meanY)
	}
	if varX == 0 {
		return 0, 0
	}
	slope = cov / varX

	ssRes, ssTot := 0.0, 0.0
	for i := range xs {
		pred := meanY + slope*(xs[i]-meanX)
		ssRes += (ys[i] - pred) * (ys[i] - pred)
		ssTot += (ys[i] - meanY) * (ys[i] - meanY)
	}
	if ssTot == 0 {
		return 0, 0
	}
	return slope, 1 - ssRes/ssTot
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

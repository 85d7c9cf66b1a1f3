/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package router

import (
	"errors"
	"fmt"
	"sync"
)

// BudgetExceededError reports an admission or spend that crossed the gate's
// limit. Spent includes the attempted amount.
type BudgetExceededError struct {
	Spent float64
	Limit float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: spent %.6f of limit %.6f", e.Spent, e.Limit)
}

// IsBudgetExceeded reports whether err is a BudgetExceededError.
func IsBudgetExceeded(err error) bool {
	var be *BudgetExceededError
	return errors.As(err, &be)
}

// Gate is a monotonic spend counter with a hard limit. CheckEstimate admits
// or rejects without spending; Spend always records the amount and reports
// the overrun after the fact, so accounting never loses a charge.
type Gate struct {
	mu    sync.Mutex
	spent float64
	limit float64
}

// NewGate builds a gate with the given limit in USD.
func NewGate(limit float64) *Gate {
	return &Gate{limit: limit}
}

// CheckEstimate returns BudgetExceededError iff spending amount would cross
// the limit. The gate is not modified.
func (g *Gate) CheckEstimate(amount float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.spent+amount > g.limit {
		return &BudgetExceededError{Spent: g.spent + amount, Limit: g.limit}
	}
	return nil
}

// Spend records the amount, then returns BudgetExceededError if the total
// now exceeds the limit.
func (g *Gate) Spend(amount float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spent += amount
	if g.spent > g.limit {
		return &BudgetExceededError{Spent: g.spent, Limit: g.limit}
	}
	return nil
}

// Spent returns the total recorded so far.
func (g *Gate) Spent() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.spent
}

// Limit returns the configured limit.
func (g *Gate) Limit() float64 {
	return g.limit
}

// Remaining returns the unspent headroom, never negative.
func (g *Gate) Remaining() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rem := g.limit - g.spent; rem > 0 {
		return rem
	}
	return 0
}

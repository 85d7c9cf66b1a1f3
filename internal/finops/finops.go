/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

// Package finops implements the consumption ledger, budget matching with
// threshold alerts, spend forecasting, and model rightsizing.
//
// The ledger is append-only and FIFO-trimmed at MaxRecords; trimmed records
// are counted in Stats so no drop is silent. Ledger append and budget
// matching happen in a single critical section; events are delivered after
// it commits.
package finops

import (
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/cortexos/cortexos/internal/events"
	"github.com/cortexos/cortexos/internal/pricing"
)

// budgetState pairs a budget with its one-shot alert latches. A latch never
// resets because spent never decreases.
type budgetState struct {
	Budget
	alertFired    bool
	exceededFired bool
}

// Engine is the FinOps core.
type Engine struct {
	cfg     Config
	clock   clock.Clock
	log     logr.Logger
	catalog *pricing.Catalog

	mu      sync.Mutex
	records []ConsumptionRecord
	budgets map[string]*budgetState
	order   []string // budget ids in creation order
	dropped uint64

	emitter events.Emitter[Event]
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock substitutes the time source, used by tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger attaches a logger. The engine is silent without one.
func WithLogger(log logr.Logger) Option {
	return func(e *Engine) { e.log = log.WithName("finops") }
}

// New builds an Engine. The catalog feeds the rightsizing recommender and
// must not be nil.
func New(cfg Config, catalog *pricing.Catalog, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg.withDefaults(),
		clock:   clock.New(),
		log:     logr.Discard(),
		catalog: catalog,
		budgets: make(map[string]*budgetState),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Subscribe registers a budget event handler and returns its remover.
func (e *Engine) Subscribe(fn func(Event)) func() {
	return e.emitter.Subscribe(fn)
}

// RecordConsumption assigns an id and timestamp to the record, appends it to
// the ledger, trims the ledger FIFO, and charges every matching budget.
func (e *Engine) RecordConsumption(rec ConsumptionRecord) (ConsumptionRecord, error) {
	if e.cfg.Disabled {
		return ConsumptionRecord{}, ErrEngineDisabled
	}
	if rec.AgentID == "" {
		return ConsumptionRecord{}, errors.New("consumption record needs an agentId")
	}
	if rec.Cost < 0 {
		return ConsumptionRecord{}, fmt.Errorf("consumption cost must be >= 0, got %v", rec.Cost)
	}

	var evs []Event
	defer func() { e.emit(evs) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	rec.ID = "rec-" + uuid.NewString()
	rec.Timestamp = e.clock.Now()
	e.records = append(e.records, rec)
	if over := len(e.records) - e.cfg.MaxRecords; over > 0 {
		e.records = append([]ConsumptionRecord(nil), e.records[over:]...)
		e.dropped += uint64(over)
		ledgerTrimmed.Add(float64(over))
	}
	recordsTotal.Inc()
	ledgerSize.Set(float64(len(e.records)))

	for _, id := range e.order {
		b := e.budgets[id]
		if budgetMatches(b.Budget, rec) {
			e.chargeLocked(b, rec.Cost, &rec, &evs)
		}
	}
	return rec, nil
}

// budgetMatches applies the level matching rules.
func budgetMatches(b Budget, rec ConsumptionRecord) bool {
	switch b.Level {
	case LevelOrganization:
		return true
	case LevelTeam:
		return rec.Tags["team"] == b.Entity && b.Entity != ""
	case LevelAgent:
		return rec.AgentID == b.Entity
	case LevelTask:
		return rec.TaskID == b.Entity && b.Entity != ""
	default:
		return false
	}
}

// chargeLocked adds to a budget's spend and fires threshold signals, each at
// most once over the budget's lifetime.
func (e *Engine) chargeLocked(b *budgetState, amount float64, rec *ConsumptionRecord, evs *[]Event) {
	b.Spent += amount
	pct := b.PercentUsed()

	if !b.alertFired && pct >= b.AlertThreshold {
		b.alertFired = true
		budgetAlerts.WithLabelValues(string(b.Level)).Inc()
		*evs = append(*evs, Event{Type: EventBudgetAlert, Budget: b.Budget, Record: rec, PercentUsed: pct})
		e.log.Info("budget alert", "budget", b.ID, "name", b.Name, "percentUsed", pct)
	}
	if !b.exceededFired && pct >= 1.0 {
		b.exceededFired = true
		*evs = append(*evs, Event{Type: EventBudgetExceeded, Budget: b.Budget, Record: rec, PercentUsed: pct})
		e.log.Info("budget exceeded", "budget", b.ID, "name", b.Name, "spent", b.Spent, "limit", b.Limit)
	}
}

// BudgetSpec shapes CreateBudget.
type BudgetSpec struct {
	Name           string      `json:"name"`
	Level          BudgetLevel `json:"level"`
	Entity         string      `json:"entity,omitempty"`
	Limit          float64     `json:"limit"`
	AlertThreshold float64     `json:"alertThreshold,omitempty"` // default from config
}

// CreateBudget registers a budget and returns it.
func (e *Engine) CreateBudget(spec BudgetSpec) (Budget, error) {
	if e.cfg.Disabled {
		return Budget{}, ErrEngineDisabled
	}
	if spec.Limit <= 0 {
		return Budget{}, fmt.Errorf("budget limit must be > 0, got %v", spec.Limit)
	}
	switch spec.Level {
	case LevelOrganization:
	case LevelTeam, LevelAgent, LevelTask:
		if spec.Entity == "" {
			return Budget{}, fmt.Errorf("%s budget needs an entity", spec.Level)
		}
	default:
		return Budget{}, fmt.Errorf("unknown budget level %q", spec.Level)
	}
	threshold := spec.AlertThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = e.cfg.DefaultAlertThreshold
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	b := &budgetState{Budget: Budget{
		ID:             "bud-" + uuid.NewString(),
		Name:           spec.Name,
		Level:          spec.Level,
		Entity:         spec.Entity,
		Limit:          spec.Limit,
		AlertThreshold: threshold,
		CreatedAt:      e.clock.Now(),
	}}
	e.budgets[b.ID] = b
	e.order = append(e.order, b.ID)
	return b.Budget, nil
}

// UpdateBudgetSpend charges a budget directly, outside of record matching.
func (e *Engine) UpdateBudgetSpend(id string, amount float64) (Budget, error) {
	if amount < 0 {
		return Budget{}, fmt.Errorf("spend amount must be >= 0, got %v", amount)
	}

	var evs []Event
	defer func() { e.emit(evs) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.budgets[id]
	if !ok {
		return Budget{}, ErrBudgetNotFound
	}
	e.chargeLocked(b, amount, nil, &evs)
	return b.Budget, nil
}

// GetBudget returns a budget snapshot by id.
func (e *Engine) GetBudget(id string) (Budget, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.budgets[id]
	if !ok {
		return Budget{}, ErrBudgetNotFound
	}
	return b.Budget, nil
}

// Budgets returns all budgets in creation order.
func (e *Engine) Budgets() []Budget {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.budgetsLocked()
}

func (e *Engine) budgetsLocked() []Budget {
	out := make([]Budget, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.budgets[id].Budget)
	}
	return out
}

// GetConsumption returns ledger records matching the filter, in insertion
// order.
func (e *Engine) GetConsumption(f Filter) []ConsumptionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []ConsumptionRecord
	for _, rec := range e.records {
		if matchesFilter(rec, f) {
			out = append(out, rec)
		}
	}
	return out
}

func matchesFilter(rec ConsumptionRecord, f Filter) bool {
	if f.AgentID != "" && rec.AgentID != f.AgentID {
		return false
	}
	if f.TaskID != "" && rec.TaskID != f.TaskID {
		return false
	}
	if f.Model != "" && rec.Model != f.Model {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.Timestamp.After(f.Until) {
		return false
	}
	for k, v := range f.Tags {
		if rec.Tags[k] != v {
			return false
		}
	}
	return true
}

// Stats returns a point-in-time snapshot.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := 0.0
	for _, rec := range e.records {
		total += rec.Cost
	}
	alerts := 0
	for _, b := range e.budgets {
		if b.alertFired {
			alerts++
		}
	}
	return Stats{
		Records:        len(e.records),
		DroppedRecords: e.dropped,
		TotalCost:      total,
		Budgets:        len(e.budgets),
		ActiveAlerts:   alerts,
	}
}

func (e *Engine) emit(evs []Event) {
	for _, ev := range evs {
		e.emitter.Emit(ev)
	}
}

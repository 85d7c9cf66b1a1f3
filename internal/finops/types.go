/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package finops

import (
	"errors"
	"time"
)

var (
	// ErrBudgetNotFound is returned for operations on unknown budget ids.
	ErrBudgetNotFound = errors.New("budget not found")
	// ErrEngineDisabled is returned by mutations while the engine is off.
	ErrEngineDisabled = errors.New("finops engine is disabled")
	// ErrForecastDisabled is returned by Forecast when turned off in config.
	ErrForecastDisabled = errors.New("forecasting is disabled")
	// ErrRightsizingDisabled is returned by GenerateRecommendations when
	// turned off in config.
	ErrRightsizingDisabled = errors.New("rightsizing is disabled")
)

// ConsumptionRecord is one append-only ledger entry. Never mutated after
// insertion.
type ConsumptionRecord struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	AgentID      string            `json:"agentId"`
	TaskID       string            `json:"taskId,omitempty"`
	Model        string            `json:"model"`
	InputTokens  int64             `json:"inputTokens"`
	OutputTokens int64             `json:"outputTokens"`
	Cost         float64           `json:"cost"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// BudgetLevel scopes which records a budget watches.
type BudgetLevel string

const (
	LevelOrganization BudgetLevel = "organization"
	LevelTeam         BudgetLevel = "team"
	LevelAgent        BudgetLevel = "agent"
	LevelTask         BudgetLevel = "task"
)

// Budget is a monetary envelope. Spent only grows.
type Budget struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Level          BudgetLevel `json:"level"`
	Entity         string      `json:"entity,omitempty"`
	Limit          float64     `json:"limit"`
	Spent          float64     `json:"spent"`
	AlertThreshold float64     `json:"alertThreshold"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// PercentUsed returns spent/limit.
func (b Budget) PercentUsed() float64 {
	if b.Limit <= 0 {
		return 0
	}
	return b.Spent / b.Limit
}

// EventType enumerates budget signals.
type EventType string

const (
	EventBudgetAlert    EventType = "budget:alert"
	EventBudgetExceeded EventType = "budget:exceeded"
)

// Event is emitted after the triggering ledger append has committed.
type Event struct {
	Type        EventType          `json:"type"`
	Budget      Budget             `json:"budget"`
	Record      *ConsumptionRecord `json:"record,omitempty"`
	PercentUsed float64            `json:"percentUsed"`
}

// Period names a forecast horizon.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// periodMs is the fixed horizon table in milliseconds.
var periodMs = map[Period]float64{
	PeriodHourly:  3.6e6,
	PeriodDaily:   8.64e7,
	PeriodWeekly:  6.048e8,
	PeriodMonthly: 2.592e9,
}

// Forecast is a linear extrapolation of an agent's spend.
type Forecast struct {
	AgentID         string  `json:"agentId"`
	Period          Period  `json:"period"`
	EstimatedCost   float64 `json:"estimatedCost"`
	EstimatedTokens float64 `json:"estimatedTokens"`
	Confidence      float64 `json:"confidence"`
	BasedOnRecords  int     `json:"basedOnRecords"`
}

// Recommendation proposes a cheaper model for an agent.
type Recommendation struct {
	AgentID          string  `json:"agentId"`
	CurrentModel     string  `json:"currentModel"`
	RecommendedModel string  `json:"recommendedModel"`
	Reason           string  `json:"reason"`
	EstimatedSavings float64 `json:"estimatedSavings"`
	QualityImpact    float64 `json:"qualityImpact"`
	BasedOnRecords   int     `json:"basedOnRecords"`
}

// Filter narrows GetConsumption. Zero fields match everything.
type Filter struct {
	AgentID string            `json:"agentId,omitempty"`
	TaskID  string            `json:"taskId,omitempty"`
	Model   string            `json:"model,omitempty"`
	Since   time.Time         `json:"since,omitempty"`
	Until   time.Time         `json:"until,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// Aggregate is one bucket of a report.
type Aggregate struct {
	Cost         float64 `json:"cost"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	Records      int     `json:"records"`
}

// Report is the windowed consumption summary.
type Report struct {
	Start           time.Time            `json:"start"`
	End             time.Time            `json:"end"`
	GeneratedAt     time.Time            `json:"generatedAt"`
	TotalCost       float64              `json:"totalCost"`
	TotalTokens     int64                `json:"totalTokens"`
	Records         int                  `json:"records"`
	ByAgent         map[string]Aggregate `json:"byAgent"`
	ByModel         map[string]Aggregate `json:"byModel"`
	ByTags          map[string]Aggregate `json:"byTags"`
	Budgets         []Budget             `json:"budgets"`
	Recommendations []Recommendation     `json:"recommendations"`
}

// Stats is a point-in-time engine snapshot.
type Stats struct {
	Records        int     `json:"records"`
	DroppedRecords uint64  `json:"droppedRecords"`
	TotalCost      float64 `json:"totalCost"`
	Budgets        int     `json:"budgets"`
	ActiveAlerts   int     `json:"activeAlerts"`
}

// Config tunes the engine. Zero values fall back to documented defaults;
// forecasting and rightsizing are on unless disabled.
type Config struct {
	Disabled              bool
	MaxRecords            int
	DisableForecast       bool
	DisableRightsizing    bool
	DefaultAlertThreshold float64
}

func (c Config) withDefaults() Config {
	if c.MaxRecords <= 0 {
		c.MaxRecords = 100_000
	}
	if c.DefaultAlertThreshold <= 0 || c.DefaultAlertThreshold > 1 {
		c.DefaultAlertThreshold = 0.8
	}
	return c
}

/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package mmu

import (
	"errors"
	"time"
)

// Scope tags which tier an entry lives in.
type Scope string

const (
	ScopeSTM Scope = "stm"
	ScopeLTM Scope = "ltm"
)

// ErrEntryNotFound is returned for operations on ids absent from both tiers.
var ErrEntryNotFound = errors.New("memory entry not found")

// Entry is one stored fact. An entry is owned by exactly one tier at a time;
// promotion and demotion move it, they never copy.
type Entry struct {
	ID             string    `json:"id"`
	Key            string    `json:"key"`
	Value          string    `json:"value"`
	Scope          Scope     `json:"scope"`
	QValue         float64   `json:"qValue"`
	AccessCount    int       `json:"accessCount"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	Tags           []string  `json:"tags,omitempty"`
	Importance     float64   `json:"importance"`
}

// KnowledgeBlock is the immutable artifact of a compression pass.
type KnowledgeBlock struct {
	ID               string    `json:"id"`
	Summary          string    `json:"summary"`
	SourceIDs        []string  `json:"sourceIds"`
	CreatedAt        time.Time `json:"createdAt"`
	CompressionRatio float64   `json:"compressionRatio"`
}

// EventType enumerates memory lifecycle events.
type EventType string

const (
	EventStored     EventType = "stored"
	EventUpdated    EventType = "updated"
	EventEvicted    EventType = "evicted"
	EventPromoted   EventType = "promoted"
	EventDemoted    EventType = "demoted"
	EventCompressed EventType = "compressed"
)

// Event is delivered to subscribers after the triggering mutation has
// committed. Entry is a snapshot; Block is set only for EventCompressed.
type Event struct {
	Type  EventType       `json:"type"`
	Entry *Entry          `json:"entry,omitempty"`
	Block *KnowledgeBlock `json:"block,omitempty"`
}

// Config tunes the manager. Zero values fall back to the defaults below;
// the semantic index is on unless explicitly disabled.
type Config struct {
	STMCapacity           int
	LTMCapacity           int
	QLearningRate         float64
	QDiscountFactor       float64
	AutoCompressThreshold float64
	PromotionQThreshold   float64
	DisableSemanticIndex  bool
}

func (c Config) withDefaults() Config {
	if c.STMCapacity <= 0 {
		c.STMCapacity = 100
	}
	if c.LTMCapacity <= 0 {
		c.LTMCapacity = 1000
	}
	if c.QLearningRate <= 0 {
		c.QLearningRate = 0.1
	}
	if c.QDiscountFactor <= 0 {
		c.QDiscountFactor = 0.95
	}
	if c.AutoCompressThreshold <= 0 {
		c.AutoCompressThreshold = 0.8
	}
	if c.PromotionQThreshold <= 0 {
		c.PromotionQThreshold = 0.7
	}
	return c
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

// StoreOptions shapes a Store call. Importance seeds the q-value.
type StoreOptions struct {
	Scope      Scope    `json:"scope,omitempty"`      // default stm
	Tags       []string `json:"tags,omitempty"`       //
	Importance *float64 `json:"importance,omitempty"` // default 0.5
}

// RetrieveOptions shapes a Retrieve call.
type RetrieveOptions struct {
	Scope    Scope    `json:"scope,omitempty"` // empty searches both tiers
	Tags     []string `json:"tags,omitempty"`  // entry must carry every tag
	Limit    int      `json:"limit,omitempty"` // default 10
	MinScore float64  `json:"minScore,omitempty"`
}

// Stats is a point-in-time snapshot of the manager.
type Stats struct {
	STMSize         int     `json:"stmSize"`
	LTMSize         int     `json:"ltmSize"`
	STMCapacity     int     `json:"stmCapacity"`
	LTMCapacity     int     `json:"ltmCapacity"`
	KnowledgeBlocks int     `json:"knowledgeBlocks"`
	Evictions       uint64  `json:"evictions"`
	Promotions      uint64  `json:"promotions"`
	Demotions       uint64  `json:"demotions"`
	Compressions    uint64  `json:"compressions"`
	ImportsSkipped  uint64  `json:"importsSkipped"`
	AvgQValue       float64 `json:"avgQValue"`
}
